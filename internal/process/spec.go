package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/env"
)

// ErrNotFound is returned by Validate when the executable or working
// directory does not exist.
var ErrNotFound = errors.New("path not found")

// PortPlaceholder is replaced by Spec.Port in every argument.
const PortPlaceholder = "{port}"

// Spec describes one backend process launch.
type Spec struct {
	Name       string   `json:"name"`
	Executable string   `json:"executable"`
	Args       []string `json:"args"`     // {port} is substituted
	WorkDir    string   `json:"work_dir"` // backend root
	Env        []string `json:"env"`      // extra K=V entries
	Port       int      `json:"port"`
}

// Validate checks that the executable and working directory exist.
// A bare executable name is resolved through PATH.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("%w: empty executable", ErrNotFound)
	}
	if strings.ContainsAny(s.Executable, `/\`) {
		if _, err := os.Stat(s.Executable); err != nil {
			return fmt.Errorf("%w: executable %s", ErrNotFound, s.Executable)
		}
	} else if _, err := exec.LookPath(s.Executable); err != nil {
		return fmt.Errorf("%w: executable %s", ErrNotFound, s.Executable)
	}
	if s.WorkDir != "" {
		fi, err := os.Stat(s.WorkDir)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("%w: working directory %s", ErrNotFound, s.WorkDir)
		}
	}
	return nil
}

// ExpandedArgs returns Args with the port placeholder substituted.
func (s Spec) ExpandedArgs() []string {
	out := make([]string, len(s.Args))
	p := strconv.Itoa(s.Port)
	for i, a := range s.Args {
		out[i] = strings.ReplaceAll(a, PortPlaceholder, p)
	}
	return out
}

// Environ returns the inherited environment plus Env plus the unbuffered
// output flag expected by the backend.
func (s Spec) Environ() []string {
	extra := append(append([]string{}, s.Env...), "PYTHONUNBUFFERED=1")
	return env.New().Merge(extra)
}

func (s Spec) command() *exec.Cmd {
	// #nosec G204 -- the executable is operator configuration
	cmd := exec.Command(s.Executable, s.ExpandedArgs()...)
	cmd.Dir = s.WorkDir
	cmd.Env = s.Environ()
	configureSysProcAttr(cmd)
	return cmd
}
