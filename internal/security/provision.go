// Package security provisions the digest-verified camp-security helper
// executable. The daemon is never started from an artifact that has not
// passed the SHA-256 gate against the compiled-in manifest.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrIntegrity reports a digest mismatch. Fatal: the artifact is
	// deleted and never executed. Not retryable beyond the single
	// built-in re-download.
	ErrIntegrity = errors.New("helper binary integrity check failed")

	// ErrProvisioning reports a download or platform-resolution
	// failure. The caller may retry the whole operation.
	ErrProvisioning = errors.New("helper binary provisioning failed")
)

const downloadTimeout = 60 * time.Second

// HelperBinary is a verified, installed helper executable. Immutable
// once returned; a later verification failure discards the file and
// forces re-provisioning.
type HelperBinary struct {
	Platform string
	Path     string
	// SHA256 is the digest of the installed (decompressed) file,
	// recorded at install time after the published digest verified.
	SHA256 string
}

// Provisioner resolves, downloads, and verifies the helper executable.
type Provisioner struct {
	// BinDir is where helpers are installed. Defaults to
	// ~/.local/share/hokgo/bin.
	BinDir string

	// Platform overrides runtime.GOOS (tests).
	Platform string

	// Client is used for downloads. Defaults to a 60s-timeout client.
	Client *http.Client

	// Progress, when set, receives human-readable step updates.
	Progress func(msg string)

	// manifest override for tests; nil means the compiled-in table.
	manifest map[string]Artifact
}

// DefaultBinDir returns the standard helper install directory.
func DefaultBinDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "hokgo", "bin"), nil
}

// resolve maps the host platform to its manifest entry and install path.
func (p *Provisioner) resolve() (dest, platform string, art Artifact, err error) {
	platform = p.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	table := p.manifest
	if table == nil {
		table = manifest
	}
	art, ok := table[platform]
	if !ok {
		return "", "", Artifact{}, fmt.Errorf("%w: unsupported platform %q", ErrProvisioning, platform)
	}

	binDir := p.BinDir
	if binDir == "" {
		dir, err := DefaultBinDir()
		if err != nil {
			return "", "", Artifact{}, fmt.Errorf("%w: %v", ErrProvisioning, err)
		}
		binDir = dir
	}
	return filepath.Join(binDir, art.ExecName), platform, art, nil
}

// Installed reports the current verified install, if any. Read-only: a
// missing, stale, or tampered install is reported as absent without
// touching the bin dir or the network.
func (p *Provisioner) Installed() (*HelperBinary, bool) {
	dest, platform, art, err := p.resolve()
	if err != nil {
		return nil, false
	}
	return p.verifyInstalled(dest, platform, art)
}

// Ensure returns a verified helper binary for the host platform,
// downloading and installing it first when absent or stale. A digest
// mismatch triggers exactly one re-download; a second mismatch fails
// with ErrIntegrity and leaves no file behind.
func (p *Provisioner) Ensure(ctx context.Context) (*HelperBinary, error) {
	dest, platform, art, err := p.resolve()
	if err != nil {
		return nil, err
	}

	if bin, ok := p.verifyInstalled(dest, platform, art); ok {
		return bin, nil
	}
	// Whatever is at dest is missing, stale, or tampered with.
	_ = os.Remove(dest)
	_ = os.Remove(metaPath(dest))

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		bin, err := p.install(ctx, dest, platform, art)
		if err == nil {
			return bin, nil
		}
		lastErr = err
		if !errors.Is(err, ErrIntegrity) {
			return nil, err
		}
		p.progress("digest mismatch, re-downloading")
	}
	return nil, lastErr
}

// Verify re-checks an installed helper against its install-time record.
// The daemon calls this on every start.
func (p *Provisioner) Verify(bin *HelperBinary) error {
	got, err := fileSHA256(bin.Path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrIntegrity, bin.Path, err)
	}
	if got != bin.SHA256 {
		_ = os.Remove(bin.Path)
		_ = os.Remove(metaPath(bin.Path))
		return fmt.Errorf("%w: %s: got %s, want %s", ErrIntegrity, bin.Path, got, bin.SHA256)
	}
	return nil
}

func (p *Provisioner) install(ctx context.Context, dest, platform string, art Artifact) (*HelperBinary, error) {
	p.progress("downloading helper")
	tmp, err := p.downloadToTemp(ctx, art.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %v", ErrProvisioning, art.URL, err)
	}
	defer func() { _ = os.Remove(tmp) }()

	got, err := fileSHA256(tmp)
	if err != nil {
		return nil, fmt.Errorf("%w: digest %s: %v", ErrProvisioning, tmp, err)
	}
	if got != art.SHA256 {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrIntegrity, got, art.SHA256)
	}

	p.progress("installing helper")
	installedSum, err := decompressTo(tmp, dest)
	if err != nil {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("%w: install %s: %v", ErrProvisioning, dest, err)
	}
	if err := writeMeta(dest, art.SHA256, installedSum); err != nil {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("%w: record digest: %v", ErrProvisioning, err)
	}

	return &HelperBinary{Platform: platform, Path: dest, SHA256: installedSum}, nil
}

// verifyInstalled checks an existing install: the sidecar record must
// match the current manifest entry (a manifest bump forces re-download)
// and the file on disk must hash to the recorded install-time digest.
func (p *Provisioner) verifyInstalled(dest, platform string, art Artifact) (*HelperBinary, bool) {
	sourceSum, installedSum, err := readMeta(dest)
	if err != nil || sourceSum != art.SHA256 {
		return nil, false
	}
	got, err := fileSHA256(dest)
	if err != nil || got != installedSum {
		return nil, false
	}
	return &HelperBinary{Platform: platform, Path: dest, SHA256: installedSum}, true
}

func (p *Provisioner) downloadToTemp(ctx context.Context, url string) (string, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	f, err := os.CreateTemp("", "hokgo-helper-*")
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (p *Provisioner) progress(msg string) {
	if p.Progress != nil {
		p.Progress(msg)
	}
}

// decompressTo streams the zstd payload at src into dest (written via
// a temp file + rename so a failed install never leaves a partial
// executable) and returns the SHA-256 of the decompressed output.
func decompressTo(src, dest string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return "", err
	}
	defer dec.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	out, err := os.CreateTemp(filepath.Dir(dest), ".hokgo-install-*")
	if err != nil {
		return "", err
	}
	tmpName := out.Name()

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, h), dec)
	if err2 := out.Close(); err == nil {
		err = err2
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Chmod(tmpName, 0755); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sidecar record: "<source digest> <installed digest>\n" next to the
// executable, mirroring the install-time chain of trust.
func metaPath(dest string) string {
	return filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".sha256")
}

func writeMeta(dest, sourceSum, installedSum string) error {
	return os.WriteFile(metaPath(dest), []byte(sourceSum+" "+installedSum+"\n"), 0644)
}

func readMeta(dest string) (sourceSum, installedSum string, err error) {
	data, err := os.ReadFile(metaPath(dest))
	if err != nil {
		return "", "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return "", "", fmt.Errorf("malformed digest record %s", metaPath(dest))
	}
	return fields[0], fields[1], nil
}
