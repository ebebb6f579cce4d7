package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/testutil/testlog"
)

func TestHubStateLoadOrCreatePersists(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "hub.state.toml")
	file := HubStateFile{Path: path, Now: func() time.Time { return time.Unix(1_700_000_000, 0) }}

	cred, created, err := file.LoadOrCreate()
	if err != nil || !created {
		t.Fatalf("expected new credential, created=%v err=%v", created, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat state file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	again, created, err := file.LoadOrCreate()
	if err != nil || created {
		t.Fatalf("expected existing credential, created=%v err=%v", created, err)
	}
	if again != cred {
		t.Fatalf("credential changed across loads: %+v vs %+v", again, cred)
	}
	state, err := file.Load()
	if err != nil || !state.CreatedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("unexpected state: %+v err=%v", state, err)
	}
}

func TestHubStateRejectsEmptyToken(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "hub.state.toml")
	if err := os.WriteFile(path, []byte("token = \"\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := (HubStateFile{Path: path}).LoadOrCreate(); err == nil || !strings.Contains(err.Error(), "missing token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestPairingFileRoundTrip(t *testing.T) {
	testlog.Start(t)
	file := PairingFile{Path: filepath.Join(t.TempDir(), "nested", "pairing.toml")}

	p, err := file.Load()
	if err != nil || p != nil {
		t.Fatalf("expected unpaired, got %+v err=%v", p, err)
	}
	want := auth.NewPairingPayload("ws://192.168.1.5:8765/ws", auth.CredentialFromToken("tok"), "desk")
	if err := file.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := file.Load()
	if err != nil || got == nil || *got != want {
		t.Fatalf("load mismatch: %+v err=%v", got, err)
	}
	if err := file.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := file.Clear(); err != nil {
		t.Fatalf("clear twice: %v", err)
	}
	if p, _ := file.Load(); p != nil {
		t.Fatalf("expected unpaired after clear")
	}
	if err := file.Save(auth.PairingPayload{URL: "http://x"}); !errors.Is(err, auth.ErrInvalidPairing) {
		t.Fatalf("expected invalid pairing, got %v", err)
	}
}

func TestWriteTemplate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{"hub", "agent"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s", kind)
		}
	}
	if _, err := Template("relay"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
