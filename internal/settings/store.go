package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

const (
	dirMode  = 0o700
	fileMode = 0o600

	// minFreeBytes is the low-water mark below which Health reports the
	// store as not writable.
	minFreeBytes = 1 << 20
)

var ErrEmptyPatch = errors.New("settings: patch is empty")

// Health is the store's self-check result, produced by a real read and a
// real scratch write rather than by permission-bit inspection.
type Health struct {
	CanRead   bool   `json:"canRead"`
	CanWrite  bool   `json:"canWrite"`
	FreeBytes uint64 `json:"freeBytes"`
	Detail    string `json:"detail,omitempty"`
}

// Store owns the settings file. All reads are served from an in-memory
// cache; writes merge, persist atomically, then update the cache. The
// cache is rolled back if the persist fails.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	record Record

	onChange func(Record, []string)
}

// Open loads the record at path, writing defaults if the file does not
// exist or cannot be parsed. A corrupt file is preserved as a .corrupt
// sibling before being replaced.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("settings: create dir: %w", err)
	}

	s := &Store{path: path, logger: logger}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.record = Defaults()
		if err := s.persist(s.record); err != nil {
			return nil, err
		}
		logger.Info("Settings file created", "path", path, "version", s.record.Meta.Version)
	case err != nil:
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	default:
		var rec Record
		if uerr := json.Unmarshal(data, &rec); uerr != nil {
			corrupt := path + ".corrupt"
			if werr := os.WriteFile(corrupt, data, fileMode); werr == nil {
				logger.Warn("Settings file unreadable, preserved and reset",
					"path", path, "backup", corrupt, "error", uerr)
			}
			rec = Defaults()
			if perr := s.persist(rec); perr != nil {
				return nil, perr
			}
		}
		if rec.UI.Flags == nil {
			rec.UI.Flags = map[string]bool{}
		}
		if rec.Meta.Version < 1 {
			rec.Meta.Version = 1
		}
		s.record = rec
	}
	return s, nil
}

// OnChange registers a callback invoked after every successful write and
// after an external file change is detected. Must be set before the
// store is shared across goroutines.
func (s *Store) OnChange(fn func(rec Record, changed []string)) {
	s.onChange = fn
}

// Read returns a copy of the current record, secrets included. Intended
// for in-process consumers such as the mode reconciler.
func (s *Store) Read() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.clone()
}

// ReadForClient returns a copy with every secret field replaced by the
// stored-value sentinel, empty secrets left empty.
func (s *Store) ReadForClient() Record {
	rec := s.Read()
	rec.Network.OpenAIAPIKey = maskSecret(rec.Network.OpenAIAPIKey)
	rec.Diabetes.NightscoutURL = maskSecret(rec.Diabetes.NightscoutURL)
	rec.Diabetes.NightscoutToken = maskSecret(rec.Diabetes.NightscoutToken)
	return rec
}

func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	return StoredSentinel
}

// Version returns the current record version.
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Meta.Version
}

// Write merges patch into the current record, bumps the version, and
// persists the result atomically. It returns the new record and the
// dotted paths the patch addressed. Sentinel-valued secrets resolve to
// their previous values. The in-memory record is unchanged if the
// persist fails.
func (s *Store) Write(patch Patch) (Record, []string, error) {
	if patch.IsEmpty() {
		return Record{}, nil, ErrEmptyPatch
	}

	s.mu.Lock()
	next := s.record.clone()
	changed := applyPatch(&next, patch)
	next.Meta.Version = s.record.Meta.Version + 1
	next.Meta.UpdatedAt = time.Now().UTC()

	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return Record{}, nil, err
	}
	s.record = next
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(next.clone(), changed)
	}
	return next.clone(), changed, nil
}

// applyPatch merges every non-nil patch field into rec and returns the
// dotted paths that were addressed, in section order.
func applyPatch(rec *Record, p Patch) []string {
	var changed []string
	set := func(path string) { changed = append(changed, path) }

	if p.UI != nil {
		if v := p.UI.SoundEnabled; v != nil {
			rec.UI.SoundEnabled = *v
			set("ui.sound_enabled")
		}
		if v := p.UI.Volume; v != nil {
			rec.UI.Volume = *v
			set("ui.volume")
		}
		if v := p.UI.Flags; v != nil {
			rec.UI.Flags = make(map[string]bool, len(*v))
			for k, b := range *v {
				rec.UI.Flags[k] = b
			}
			set("ui.flags")
		}
	}
	if p.Network != nil {
		if v := p.Network.OpenAIAPIKey; v != nil {
			if *v != StoredSentinel {
				rec.Network.OpenAIAPIKey = *v
				set("network.openai_api_key")
			}
		}
		if v := p.Network.OfflineMode; v != nil {
			rec.Network.OfflineMode = *v
			set("network.offline_mode")
		}
		if v := p.Network.ForceAP; v != nil {
			rec.Network.ForceAP = *v
			set("network.force_ap")
		}
	}
	if p.Diabetes != nil {
		if v := p.Diabetes.NightscoutURL; v != nil && *v != StoredSentinel {
			rec.Diabetes.NightscoutURL = *v
			set("diabetes.nightscout_url")
		}
		if v := p.Diabetes.NightscoutToken; v != nil && *v != StoredSentinel {
			rec.Diabetes.NightscoutToken = *v
			set("diabetes.nightscout_token")
		}
		if v := p.Diabetes.DiabetesEnabled; v != nil {
			rec.Diabetes.DiabetesEnabled = *v
			set("diabetes.diabetes_enabled")
		}
		if v := p.Diabetes.CorrectionFactor; v != nil {
			rec.Diabetes.CorrectionFactor = *v
			set("diabetes.correction_factor")
		}
		if v := p.Diabetes.CarbRatio; v != nil {
			rec.Diabetes.CarbRatio = *v
			set("diabetes.carb_ratio")
		}
		if v := p.Diabetes.TargetGlucose; v != nil {
			rec.Diabetes.TargetGlucose = *v
			set("diabetes.target_glucose")
		}
		if v := p.Diabetes.HypoAlarm; v != nil {
			rec.Diabetes.HypoAlarm = *v
			set("diabetes.hypo_alarm")
		}
		if v := p.Diabetes.HyperAlarm; v != nil {
			rec.Diabetes.HyperAlarm = *v
			set("diabetes.hyper_alarm")
		}
	}
	if p.Scale != nil {
		if v := p.Scale.CalibrationFactor; v != nil {
			rec.Scale.CalibrationFactor = *v
			set("scale.calibration_factor")
		}
		if v := p.Scale.Decimals; v != nil {
			rec.Scale.Decimals = *v
			set("scale.decimals")
		}
	}
	if p.Integrations != nil {
		if v := p.Integrations.VoiceEnabled; v != nil {
			rec.Integrations.VoiceEnabled = *v
			set("integrations.voice_enabled")
		}
		if v := p.Integrations.TTSVoice; v != nil {
			rec.Integrations.TTSVoice = *v
			set("integrations.tts_voice")
		}
	}
	return changed
}

// persist writes rec to a temp file in the same directory, fsyncs, and
// renames it over the target so readers never observe a partial file.
func (s *Store) persist(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("settings: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("settings: replace %s: %w", s.path, err)
	}
	return nil
}

// Health checks the store by performing a real read and a real scratch
// write in the settings directory. Free space below minFreeBytes also
// reports the store as not writable.
func (s *Store) Health() Health {
	h := Health{}

	data, err := os.ReadFile(s.path)
	if err == nil && json.Valid(data) {
		h.CanRead = true
	} else if err != nil {
		h.Detail = fmt.Sprintf("read: %v", err)
	} else {
		h.Detail = "read: file is not valid JSON"
	}

	dir := filepath.Dir(s.path)
	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err == nil {
		h.FreeBytes = fs.Bavail * uint64(fs.Bsize)
	}

	probe := filepath.Join(dir, ".health-probe.tmp")
	if err := os.WriteFile(probe, []byte("ok"), fileMode); err != nil {
		if h.Detail != "" {
			h.Detail += "; "
		}
		h.Detail += fmt.Sprintf("write: %v", err)
		return h
	}
	os.Remove(probe)
	h.CanWrite = h.FreeBytes == 0 || h.FreeBytes >= minFreeBytes
	if !h.CanWrite && h.Detail == "" {
		h.Detail = "write: insufficient free space"
	}
	return h
}

// Watch follows the settings directory for external replacements of the
// file and fires the OnChange callback when the on-disk record diverges
// from the cache. The store's own writes are already cached before the
// rename lands, so they are ignored here. Watch blocks until the watcher
// is closed or fails; run it in its own goroutine.
func (s *Store) Watch(done <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("settings: watch %s: %w", filepath.Dir(s.path), err)
	}

	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.reloadIfChanged()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Settings watcher error", "error", err)
		}
	}
}

func (s *Store) reloadIfChanged() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("Ignoring unparseable external settings change", "error", err)
		return
	}
	if rec.UI.Flags == nil {
		rec.UI.Flags = map[string]bool{}
	}

	s.mu.Lock()
	if reflect.DeepEqual(rec, s.record) {
		s.mu.Unlock()
		return
	}
	s.record = rec
	fn := s.onChange
	s.mu.Unlock()

	s.logger.Info("Settings reloaded from external change", "version", rec.Meta.Version)
	if fn != nil {
		fn(rec.clone(), nil)
	}
}
