package security

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"
)

var helperPayload = []byte("#!/bin/sh\necho READY\n")

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// newTestProvisioner serves the given response bodies in order,
// repeating the last one, and returns a provisioner whose manifest
// expects the digest of want.
func newTestProvisioner(t *testing.T, want []byte, responses ...[]byte) (*Provisioner, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(requests.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		_, _ = w.Write(responses[i])
	}))
	t.Cleanup(srv.Close)

	return &Provisioner{
		BinDir:   t.TempDir(),
		Platform: "test",
		manifest: map[string]Artifact{
			"test": {URL: srv.URL + "/camp-security.zst", SHA256: digest(want), ExecName: "camp-security"},
		},
	}, &requests
}

func TestEnsureDownloadsAndVerifies(t *testing.T) {
	compressed := compress(t, helperPayload)
	prov, _ := newTestProvisioner(t, compressed, compressed)

	bin, err := prov.Ensure(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(bin.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, helperPayload) {
		t.Errorf("installed payload = %q, want %q", data, helperPayload)
	}
	info, err := os.Stat(bin.Path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0111 == 0 {
		t.Error("installed helper is not executable")
	}
	if bin.SHA256 != digest(helperPayload) {
		t.Errorf("recorded digest = %s, want digest of decompressed payload", bin.SHA256)
	}
}

func TestEnsureReusesVerifiedInstall(t *testing.T) {
	compressed := compress(t, helperPayload)
	prov, requests := newTestProvisioner(t, compressed, compressed)

	if _, err := prov.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := prov.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("downloads = %d, want 1 (second Ensure should reuse the install)", n)
	}
}

func TestCorruptDownloadRetriedOnce(t *testing.T) {
	compressed := compress(t, helperPayload)
	corrupt := append([]byte{0xde, 0xad}, compressed...)
	prov, requests := newTestProvisioner(t, compressed, corrupt, compressed)

	bin, err := prov.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure did not recover from a single corrupt download: %v", err)
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("downloads = %d, want 2", n)
	}
	if _, err := os.Stat(bin.Path); err != nil {
		t.Errorf("verified helper missing: %v", err)
	}
}

func TestPersistentMismatchFailsIntegrity(t *testing.T) {
	compressed := compress(t, helperPayload)
	corrupt := append([]byte{0xde, 0xad}, compressed...)
	prov, requests := newTestProvisioner(t, compressed, corrupt)

	_, err := prov.Ensure(context.Background())
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("downloads = %d, want 2 (one built-in re-download)", n)
	}

	// No partially-verified file may remain.
	dest := filepath.Join(prov.BinDir, "camp-security")
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("unverified artifact left behind at %s", dest)
	}
}

func TestTamperedInstallRedownloaded(t *testing.T) {
	compressed := compress(t, helperPayload)
	prov, requests := newTestProvisioner(t, compressed, compressed)

	bin, err := prov.Ensure(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bin.Path, []byte("evil"), 0755); err != nil {
		t.Fatal(err)
	}

	bin2, err := prov.Ensure(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("downloads = %d, want 2 (tampered install must be replaced)", n)
	}
	data, _ := os.ReadFile(bin2.Path)
	if !bytes.Equal(data, helperPayload) {
		t.Error("tampered helper was not restored to the verified payload")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	compressed := compress(t, helperPayload)
	prov, _ := newTestProvisioner(t, compressed, compressed)

	bin, err := prov.Ensure(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := prov.Verify(bin); err != nil {
		t.Fatalf("fresh install failed verification: %v", err)
	}

	if err := os.WriteFile(bin.Path, []byte("evil"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := prov.Verify(bin); !errors.Is(err, ErrIntegrity) {
		t.Errorf("err = %v, want ErrIntegrity", err)
	}
	if _, err := os.Stat(bin.Path); !os.IsNotExist(err) {
		t.Error("tampered binary was not removed")
	}
}

func TestInstalledIsReadOnly(t *testing.T) {
	compressed := compress(t, helperPayload)
	prov, requests := newTestProvisioner(t, compressed, compressed)

	if _, ok := prov.Installed(); ok {
		t.Fatal("Installed reported a helper before any install")
	}
	if n := requests.Load(); n != 0 {
		t.Fatalf("Installed downloaded (%d requests)", n)
	}

	bin, err := prov.Ensure(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := prov.Installed()
	if !ok || got.Path != bin.Path || got.SHA256 != bin.SHA256 {
		t.Fatalf("Installed = %+v ok=%v, want the fresh install", got, ok)
	}

	// A tampered install must be reported as absent but left untouched:
	// inspection tools must never delete evidence or trigger downloads.
	if err := os.WriteFile(bin.Path, []byte("evil"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, ok := prov.Installed(); ok {
		t.Error("Installed accepted a tampered helper")
	}
	if _, err := os.Stat(bin.Path); err != nil {
		t.Errorf("Installed removed the tampered file: %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("downloads = %d, want 1 (Installed must stay offline)", n)
	}
}

func TestUnsupportedPlatform(t *testing.T) {
	prov := &Provisioner{BinDir: t.TempDir(), Platform: "plan9"}
	_, err := prov.Ensure(context.Background())
	if !errors.Is(err, ErrProvisioning) {
		t.Errorf("err = %v, want ErrProvisioning", err)
	}
}

func TestDownloadFailureIsProvisioningError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	prov := &Provisioner{
		BinDir:   t.TempDir(),
		Platform: "test",
		manifest: map[string]Artifact{
			"test": {URL: srv.URL + "/x.zst", SHA256: digest([]byte("x")), ExecName: "camp-security"},
		},
	}
	_, err := prov.Ensure(context.Background())
	if !errors.Is(err, ErrProvisioning) {
		t.Errorf("err = %v, want ErrProvisioning", err)
	}
}
