package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/masa-finance/scan-worker/internal/scan"
)

// The extraction program runs detached inside the sandbox. It deletes any
// previous result file, then writes progress.json repeatedly and result.json
// exactly once when it stops.
const (
	ExtractProgram = "extract-followers"
	ProgressFile   = "progress.json"
	ResultFile     = "result.json"

	ArtifactCompleted    = "completed"
	ArtifactAuthRequired = "auth_required"
	ArtifactError        = "error"
)

// ExtractCommand builds the command that extracts up to max followers of
// handle into outDir.
func ExtractCommand(handle, outDir string, max int) Command {
	return Command{
		Args:     []string{ExtractProgram, "--handle", handle, "--out", outDir, "--max", strconv.Itoa(max)},
		Detached: true,
	}
}

// ExtractArgs are the parsed arguments of an extraction command.
type ExtractArgs struct {
	Handle string
	OutDir string
	Max    int
}

func ParseExtractCommand(cmd Command) (ExtractArgs, error) {
	if len(cmd.Args) == 0 || cmd.Args[0] != ExtractProgram {
		return ExtractArgs{}, fmt.Errorf("unknown program %v", cmd.Args)
	}

	fs := pflag.NewFlagSet(ExtractProgram, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var a ExtractArgs
	fs.StringVar(&a.Handle, "handle", "", "")
	fs.StringVar(&a.OutDir, "out", "", "")
	fs.IntVar(&a.Max, "max", 0, "")
	if err := fs.Parse(cmd.Args[1:]); err != nil {
		return ExtractArgs{}, err
	}
	if a.Handle == "" || a.OutDir == "" || a.Max <= 0 {
		return ExtractArgs{}, fmt.Errorf("--handle, --out and a positive --max are required")
	}
	return a, nil
}

func ResultPath(outDir string) string {
	return path.Join(outDir, ResultFile)
}

func ProgressPath(outDir string) string {
	return path.Join(outDir, ProgressFile)
}

type ProgressReport struct {
	Progress int `json:"progress"`
}

// Artifact is the content of result.json.
type Artifact struct {
	Status    string          `json:"status"`
	Followers []scan.Follower `json:"followers,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func ParseArtifact(b []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	switch a.Status {
	case ArtifactCompleted, ArtifactAuthRequired:
	case ArtifactError:
		if a.Error == "" {
			a.Error = "extraction failed"
		}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArtifact, a.Status)
	}
	return &a, nil
}

func ParseProgress(b []byte) (int, error) {
	var p ProgressReport
	if err := json.Unmarshal(b, &p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if p.Progress < 0 || p.Progress > 100 {
		return 0, fmt.Errorf("%w: progress %d", ErrInvalidArtifact, p.Progress)
	}
	return p.Progress, nil
}
