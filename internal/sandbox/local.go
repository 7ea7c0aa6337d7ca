package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/scan-worker/internal/scan"
)

// Extractor produces the followers of a handle. progress receives values in
// 0-100. It returns ErrAuthRequired when the session does not let it in.
type Extractor interface {
	Extract(ctx context.Context, session *SessionCookies, handle string, max int, progress func(int)) (followers []scan.Follower, truncated bool, err error)
}

type LocalConfig struct {
	// Root holds one directory per sandbox.
	Root     string
	Capacity int
	LiveURL  string
	AuthTTL  time.Duration
}

// LocalProvider runs sandboxes inside the worker process: each sandbox is a
// directory and the extraction program is a goroutine.
type LocalProvider struct {
	config    LocalConfig
	extractor Extractor

	mu    sync.Mutex
	boxes map[string]*localBox
}

type localBox struct {
	dir    string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	session *SessionCookies
}

func NewLocalProvider(config LocalConfig, extractor Extractor) *LocalProvider {
	if config.Root == "" {
		config.Root = os.TempDir()
	}
	if config.AuthTTL <= 0 {
		config.AuthTTL = 10 * time.Minute
	}
	return &LocalProvider{
		config:    config,
		extractor: extractor,
		boxes:     make(map[string]*localBox),
	}
}

func (p *LocalProvider) box(h Handle) (*localBox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandbox, h.ID)
	}
	return b, nil
}

func (p *LocalProvider) Acquire(_ context.Context, targetHandle string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.Capacity > 0 && len(p.boxes) >= p.config.Capacity {
		return Handle{}, ErrCapacityExceeded
	}

	id := "local-" + uuid.New().String()
	if err := os.MkdirAll(p.config.Root, 0o700); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}
	dir, err := os.MkdirTemp(p.config.Root, id)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.boxes[id] = &localBox{dir: dir, ctx: ctx, cancel: cancel}

	h := Handle{ID: id, CreatedAt: time.Now().UTC()}
	if p.config.LiveURL != "" {
		h.LiveURL = strings.TrimRight(p.config.LiveURL, "/") + "/" + id
	}
	logrus.Debugf("Local sandbox %s created for %s", id, targetHandle)
	return h, nil
}

// resolve maps a sandbox path into the box directory. Paths can not escape it.
func (b *localBox) resolve(path string) string {
	return filepath.Join(b.dir, filepath.Clean("/"+path))
}

func (p *LocalProvider) Run(_ context.Context, h Handle, cmd Command) (CommandResult, error) {
	b, err := p.box(h)
	if err != nil {
		return CommandResult{}, err
	}

	args, err := ParseExtractCommand(cmd)
	if err != nil {
		return CommandResult{ExitCode: 2, Stderr: err.Error()}, nil
	}

	out := b.resolve(args.OutDir)
	if err := os.MkdirAll(out, 0o700); err != nil {
		return CommandResult{ExitCode: 1, Stderr: err.Error()}, nil
	}
	if err := os.Remove(filepath.Join(out, ResultFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return CommandResult{ExitCode: 1, Stderr: err.Error()}, nil
	}

	b.mu.Lock()
	session := b.session
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		p.extract(b.ctx, out, session, args)
	}()

	return CommandResult{ExitCode: 0}, nil
}

func (p *LocalProvider) extract(ctx context.Context, out string, session *SessionCookies, args ExtractArgs) {
	writeJSON(filepath.Join(out, ProgressFile), ProgressReport{Progress: 0})

	followers, truncated, err := p.extractor.Extract(ctx, session, args.Handle, args.Max, func(n int) {
		writeJSON(filepath.Join(out, ProgressFile), ProgressReport{Progress: n})
	})
	if ctx.Err() != nil {
		return
	}

	var a Artifact
	switch {
	case errors.Is(err, ErrAuthRequired):
		a = Artifact{Status: ArtifactAuthRequired, Reason: err.Error()}
	case err != nil:
		a = Artifact{Status: ArtifactError, Error: err.Error()}
	default:
		a = Artifact{Status: ArtifactCompleted, Followers: followers, Truncated: truncated}
	}
	writeJSON(filepath.Join(out, ResultFile), a)
}

// writeJSON replaces the file atomically so readers never see half a document.
func writeJSON(path string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Errorf("Failed to encode %s", path)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		logrus.WithError(err).Errorf("Failed to write %s", path)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		logrus.WithError(err).Errorf("Failed to write %s", path)
	}
}

func (p *LocalProvider) ReadFile(_ context.Context, h Handle, path string) ([]byte, error) {
	b, err := p.box(h)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.resolve(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, err
}

// Release stops the extraction and removes the sandbox directory.
func (p *LocalProvider) Release(_ context.Context, h Handle) error {
	p.mu.Lock()
	b, ok := p.boxes[h.ID]
	delete(p.boxes, h.ID)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSandbox, h.ID)
	}

	b.cancel()
	b.wg.Wait()
	return os.RemoveAll(b.dir)
}

func (p *LocalProvider) RequestInteractiveAuth(_ context.Context, h Handle) (AuthChallenge, error) {
	if _, err := p.box(h); err != nil {
		return AuthChallenge{}, err
	}
	url := h.LiveURL
	if url == "" && p.config.LiveURL != "" {
		url = strings.TrimRight(p.config.LiveURL, "/") + "/" + h.ID
	}
	return AuthChallenge{URL: url, ExpiresAt: time.Now().UTC().Add(p.config.AuthTTL)}, nil
}

func (p *LocalProvider) InjectSession(_ context.Context, h Handle, session SessionCookies) error {
	b, err := p.box(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = &session
	return nil
}

func (p *LocalProvider) Ping(context.Context) error {
	return nil
}

// Active returns the number of live sandboxes.
func (p *LocalProvider) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.boxes)
}
