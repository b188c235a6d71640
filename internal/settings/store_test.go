package settings

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func quietLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)}))
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path, quietLogger(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s, path
}

func boolPtr(v bool) *bool      { return &v }
func intPtr(v int) *int         { return &v }
func strPtr(v string) *string   { return &v }
func f64Ptr(v float64) *float64 { return &v }

func TestOpenWritesDefaults(t *testing.T) {
	s, path := newTestStore(t)

	rec := s.Read()
	if rec.Meta.Version != 1 {
		t.Errorf("initial version = %d, want 1", rec.Meta.Version)
	}
	if rec.Diabetes.CorrectionFactor != 30.0 || rec.Diabetes.TargetGlucose != 100.0 {
		t.Errorf("diabetes defaults = %+v", rec.Diabetes)
	}
	if rec.Scale.CalibrationFactor != 1.0 || rec.Scale.Decimals != 1 {
		t.Errorf("scale defaults = %+v", rec.Scale)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("defaults were not persisted: %v", err)
	}
	if !json.Valid(data) {
		t.Error("persisted defaults are not valid JSON")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("settings file mode = %o, want 600", perm)
	}
}

func TestWriteBumpsVersionEveryTime(t *testing.T) {
	s, _ := newTestStore(t)

	patch := Patch{UI: &UIPatch{Volume: intPtr(5)}}
	first, changed, err := s.Write(patch)
	if err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	if !slices.Equal(changed, []string{"ui.volume"}) {
		t.Errorf("first diff = %v", changed)
	}

	second, changed, err := s.Write(patch)
	if err != nil {
		t.Fatalf("second Write() error = %v", err)
	}
	if second.Meta.Version != first.Meta.Version+1 {
		t.Errorf("second version = %d, want %d", second.Meta.Version, first.Meta.Version+1)
	}
	if !slices.Equal(changed, []string{"ui.volume"}) {
		t.Errorf("second diff = %v", changed)
	}
}

func TestWriteMergesWithoutClobbering(t *testing.T) {
	s, _ := newTestStore(t)

	if _, _, err := s.Write(Patch{Diabetes: &DiabetesPatch{CarbRatio: f64Ptr(12)}}); err != nil {
		t.Fatal(err)
	}
	rec, _, err := s.Write(Patch{UI: &UIPatch{SoundEnabled: boolPtr(true)}})
	if err != nil {
		t.Fatal(err)
	}

	if rec.Diabetes.CarbRatio != 12 {
		t.Errorf("carb ratio clobbered: %v", rec.Diabetes.CarbRatio)
	}
	if rec.Diabetes.CorrectionFactor != 30 {
		t.Errorf("untouched default clobbered: %v", rec.Diabetes.CorrectionFactor)
	}
	if !rec.UI.SoundEnabled {
		t.Error("patched field not applied")
	}
}

func TestWriteEmptyPatch(t *testing.T) {
	s, _ := newTestStore(t)
	if _, _, err := s.Write(Patch{}); err != ErrEmptyPatch {
		t.Errorf("Write(empty) error = %v, want ErrEmptyPatch", err)
	}
}

func TestSecretMaskingAndSentinel(t *testing.T) {
	s, _ := newTestStore(t)

	if _, _, err := s.Write(Patch{Network: &NetworkPatch{OpenAIAPIKey: strPtr("sk-real-key")}}); err != nil {
		t.Fatal(err)
	}

	masked := s.ReadForClient()
	if masked.Network.OpenAIAPIKey != StoredSentinel {
		t.Errorf("masked key = %q, want sentinel", masked.Network.OpenAIAPIKey)
	}
	if masked.Diabetes.NightscoutToken != "" {
		t.Errorf("empty secret masked as %q, want empty", masked.Diabetes.NightscoutToken)
	}

	// A client echoing the sentinel back must not overwrite the secret.
	rec, changed, err := s.Write(Patch{Network: &NetworkPatch{
		OpenAIAPIKey: strPtr(StoredSentinel),
		ForceAP:      boolPtr(true),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Network.OpenAIAPIKey != "sk-real-key" {
		t.Errorf("secret after sentinel write = %q", rec.Network.OpenAIAPIKey)
	}
	if slices.Contains(changed, "network.openai_api_key") {
		t.Errorf("sentinel recorded as change: %v", changed)
	}
	if !rec.Network.ForceAP {
		t.Error("sibling field not applied alongside sentinel")
	}

	// An explicit empty string clears the secret.
	rec, _, err = s.Write(Patch{Network: &NetworkPatch{OpenAIAPIKey: strPtr("")}})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Network.OpenAIAPIKey != "" {
		t.Errorf("secret after clear = %q", rec.Network.OpenAIAPIKey)
	}
}

func TestPersistedFileIsAlwaysCompleteJSON(t *testing.T) {
	s, path := newTestStore(t)

	for i := 0; i < 20; i++ {
		if _, _, err := s.Write(Patch{UI: &UIPatch{Volume: intPtr(i)}}); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatalf("file unparseable after write %d: %v", i, err)
		}
		if rec.UI.Volume != i {
			t.Fatalf("file behind cache: volume %d, want %d", rec.UI.Volume, i)
		}
	}
}

func TestReopenPreservesRecord(t *testing.T) {
	s, path := newTestStore(t)
	written, _, err := s.Write(Patch{Scale: &ScalePatch{CalibrationFactor: f64Ptr(2.5)}})
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, quietLogger(t))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	rec := reopened.Read()
	if rec.Meta.Version != written.Meta.Version {
		t.Errorf("version after reopen = %d, want %d", rec.Meta.Version, written.Meta.Version)
	}
	if rec.Scale.CalibrationFactor != 2.5 {
		t.Errorf("calibration after reopen = %v", rec.Scale.CalibrationFactor)
	}
}

func TestOpenRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, quietLogger(t))
	if err != nil {
		t.Fatalf("Open() on corrupt file error = %v", err)
	}
	if got := s.Read().Meta.Version; got != 1 {
		t.Errorf("version after recovery = %d, want 1", got)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("corrupt original not preserved: %v", err)
	}
}

func TestOnChangeFires(t *testing.T) {
	s, _ := newTestStore(t)

	var gotChanged []string
	var gotVersion int
	s.OnChange(func(rec Record, changed []string) {
		gotVersion = rec.Meta.Version
		gotChanged = changed
	})

	rec, _, err := s.Write(Patch{Network: &NetworkPatch{OfflineMode: boolPtr(true)}})
	if err != nil {
		t.Fatal(err)
	}
	if gotVersion != rec.Meta.Version {
		t.Errorf("callback version = %d, want %d", gotVersion, rec.Meta.Version)
	}
	if !slices.Equal(gotChanged, []string{"network.offline_mode"}) {
		t.Errorf("callback diff = %v", gotChanged)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestStore(t)
	h := s.Health()
	if !h.CanRead {
		t.Errorf("CanRead = false: %s", h.Detail)
	}
	if !h.CanWrite {
		t.Errorf("CanWrite = false: %s", h.Detail)
	}
	if h.FreeBytes == 0 {
		t.Error("FreeBytes not reported")
	}
}

func TestReadReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	if _, _, err := s.Write(Patch{UI: &UIPatch{Flags: &map[string]bool{"debug": true}}}); err != nil {
		t.Fatal(err)
	}

	rec := s.Read()
	rec.UI.Flags["debug"] = false
	rec.UI.Volume = 99

	fresh := s.Read()
	if !fresh.UI.Flags["debug"] || fresh.UI.Volume == 99 {
		t.Error("Read() exposed internal state to mutation")
	}
}
