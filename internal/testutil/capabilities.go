package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"photobak/internal/backup"
)

// Photo builds a listed file whose hash is derived from content.
func Photo(bucketID, name, content string, captured time.Time) backup.LocalFile {
	captured = captured.UTC()
	return backup.LocalFile{
		URI:          fmt.Sprintf("file:///media/%s/%s", bucketID, name),
		Name:         name,
		MimeType:     "image/jpeg",
		Hash:         SHA256Hex([]byte(content)),
		Size:         int64(len(content)),
		CaptureTime:  captured,
		LastModified: &captured,
	}
}

// FakeLister serves listings from memory. Like the OS lister it only
// returns files modified after since.
type FakeLister struct {
	mu     sync.Mutex
	files  map[string][]backup.LocalFile
	errs   map[string]error
	sinces map[string][]*time.Time
}

func NewFakeLister() *FakeLister {
	return &FakeLister{
		files:  make(map[string][]backup.LocalFile),
		errs:   make(map[string]error),
		sinces: make(map[string][]*time.Time),
	}
}

// Add places files in a bucket.
func (l *FakeLister) Add(bucketID string, files ...backup.LocalFile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[bucketID] = append(l.files[bucketID], files...)
}

// Remove deletes a file from a bucket.
func (l *FakeLister) Remove(bucketID, uri string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[bucketID] = slices.DeleteFunc(l.files[bucketID], func(f backup.LocalFile) bool {
		return f.URI == uri
	})
}

// Fail makes every listing of bucketID return err. A nil err clears it.
func (l *FakeLister) Fail(bucketID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs[bucketID] = err
}

// Sinces returns the watermark passed to each listing of bucketID.
func (l *FakeLister) Sinces(bucketID string) []*time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.sinces[bucketID])
}

func (l *FakeLister) ListFiles(ctx context.Context, bucketID string, since *time.Time) ([]backup.LocalFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinces[bucketID] = append(l.sinces[bucketID], since)

	if err := l.errs[bucketID]; err != nil {
		return nil, err
	}
	var out []backup.LocalFile
	for _, f := range l.files[bucketID] {
		if since != nil && f.LastModified != nil && !f.LastModified.After(*since) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// UploadFunc decides the outcome of one scripted upload.
type UploadFunc func(ctx context.Context, file *backup.LedgerFile) error

// ScriptedPipeline succeeds by default. Outcomes can be scripted per
// handle, in order, or for every call with a hook.
type ScriptedPipeline struct {
	mu       sync.Mutex
	script   map[string][]error
	present  map[string]bool
	hook     UploadFunc
	calls    []string
	inFlight int
	maxSeen  int
}

func NewScriptedPipeline() *ScriptedPipeline {
	return &ScriptedPipeline{script: make(map[string][]error), present: make(map[string]bool)}
}

// Present marks content as already stored at the destination. Successful
// uploads of these hashes report Deduplicated.
func (p *ScriptedPipeline) Present(hashes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		p.present[h] = true
	}
}

// Script queues outcomes for uri. nil entries succeed. Once the queue is
// drained uploads of uri succeed.
func (p *ScriptedPipeline) Script(uri string, outcomes ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[uri] = append(p.script[uri], outcomes...)
}

// SetHook runs fn for every upload that has no scripted outcome.
func (p *ScriptedPipeline) SetHook(fn UploadFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = fn
}

// Calls returns the handles uploaded so far, in call order.
func (p *ScriptedPipeline) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// CallCount returns how many times uri was uploaded.
func (p *ScriptedPipeline) CallCount(uri string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == uri {
			n++
		}
	}
	return n
}

// MaxConcurrent returns the highest number of simultaneous uploads seen.
func (p *ScriptedPipeline) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSeen
}

func (p *ScriptedPipeline) Upload(ctx context.Context, file *backup.LedgerFile, target backup.UploadTarget) (*backup.Uploaded, error) {
	p.mu.Lock()
	p.calls = append(p.calls, file.URI)
	p.inFlight++
	p.maxSeen = max(p.maxSeen, p.inFlight)

	var err error
	scripted := false
	if q := p.script[file.URI]; len(q) > 0 {
		err, p.script[file.URI] = q[0], q[1:]
		scripted = true
	}
	hook := p.hook
	deduplicated := p.present[file.Hash]
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if !scripted && hook != nil {
		err = hook(ctx, file)
	}
	if err != nil {
		return nil, err
	}
	return &backup.Uploaded{
		RemoteKey:    target.UserID + "/" + target.FolderID + "/" + file.Hash,
		Size:         file.Size,
		Deduplicated: deduplicated,
	}, nil
}

// StaticPermissions reports a settable permission state.
type StaticPermissions struct {
	mu    sync.Mutex
	perms backup.Permissions
}

func NewStaticPermissions(granted bool) *StaticPermissions {
	return &StaticPermissions{perms: backup.Permissions{Granted: granted}}
}

func (s *StaticPermissions) Set(perms backup.Permissions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms = perms
}

func (s *StaticPermissions) CurrentPermissions(context.Context) (backup.Permissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perms, nil
}

// StaticConnectivity reports a settable network state.
type StaticConnectivity struct {
	mu    sync.Mutex
	state backup.Connectivity
}

func NewStaticConnectivity(state backup.Connectivity) *StaticConnectivity {
	return &StaticConnectivity{state: state}
}

func (s *StaticConnectivity) Set(state backup.Connectivity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *StaticConnectivity) Current(context.Context) (backup.Connectivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Capabilities bundles the fakes behind backup.Capabilities.
type Capabilities struct {
	Lister       *FakeLister
	Pipeline     *ScriptedPipeline
	Permissions  *StaticPermissions
	Connectivity *StaticConnectivity
}

// NewCapabilities returns fakes for a granted, unmetered device.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		Lister:       NewFakeLister(),
		Pipeline:     NewScriptedPipeline(),
		Permissions:  NewStaticPermissions(true),
		Connectivity: NewStaticConnectivity(backup.ConnectivityUnmetered),
	}
}

func (c *Capabilities) Caps() backup.Capabilities {
	return backup.Capabilities{
		Lister:       c.Lister,
		Pipeline:     c.Pipeline,
		Permissions:  c.Permissions,
		Connectivity: c.Connectivity,
	}
}
