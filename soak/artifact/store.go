package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Well-known artifact file names inside a stream directory.
const (
	OverridesFile = "runtime_overrides.json"
	ReportFile    = "TUNING_REPORT.json"
	SnapshotFile  = "POST_SOAK_SNAPSHOT.json"
	FailuresFile  = "FAILURES.md"

	summaryPrefix = "ITER_SUMMARY_"
	summarySuffix = ".json"
)

// ErrNotFound is returned when a requested artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store manages one stream directory of soak artifacts, conventionally
// artifacts/soak/<stream>/. It is the single writer for every file in the
// tree; concurrent readers are safe because all writes are atomic renames.
//
// Layout:
//
//	ITER_SUMMARY_<n>.json   one per iteration, immutable after write
//	TUNING_REPORT.json      cumulative array, rewritten whole each iteration
//	runtime_overrides.json  current runtime parameter overrides
//	POST_SOAK_SNAPSHOT.json last-N KPI aggregates and verdict
//	FAILURES.md             deterministic failure listing (non-empty runs only)
type Store struct {
	dir     string
	dirSync bool
}

// NewStore creates (if needed) and opens a stream directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("artifact store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	return &Store{dir: dir, dirSync: true}, nil
}

// Dir returns the stream directory this store owns.
func (s *Store) Dir() string { return s.dir }

// SetDirSync toggles the parent-directory fsync after renames.
func (s *Store) SetDirSync(enabled bool) { s.dirSync = enabled }

func (s *Store) write(name string, v any) error {
	path := filepath.Join(s.dir, name)
	if s.dirSync {
		return WriteAtomic(path, v)
	}
	return WriteAtomicNoDirSync(path, v)
}

// SummaryName returns the file name for iteration n.
func SummaryName(n int) string {
	return summaryPrefix + strconv.Itoa(n) + summarySuffix
}

// WriteIterationSummary writes ITER_SUMMARY_<n>.json. Summaries are written
// exactly once per iteration and never rewritten; writing an existing
// iteration is an error.
func (s *Store) WriteIterationSummary(n int, v any) error {
	path := filepath.Join(s.dir, SummaryName(n))
	if _, err := os.Stat(path); err == nil {
		return &os.PathError{Op: "write", Path: path, Err: fs.ErrExist}
	}
	return s.write(SummaryName(n), v)
}

// ReadIterationSummary reads ITER_SUMMARY_<n>.json into v.
func (s *Store) ReadIterationSummary(n int, v any) error {
	return s.readJSON(SummaryName(n), v)
}

// ListIterations returns the iteration indices that have summaries on disk,
// in ascending order.
func (s *Store) ListIterations() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, summaryPrefix) || !strings.HasSuffix(name, summarySuffix) {
			continue
		}
		num := strings.TrimSuffix(strings.TrimPrefix(name, summaryPrefix), summarySuffix)
		n, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// AppendTuningReport appends one iteration record to TUNING_REPORT.json.
// The array is strictly iteration-index ordered and rewritten atomically as
// a whole.
func (s *Store) AppendTuningReport(rec any) error {
	var records []json.RawMessage
	if err := s.readJSON(ReportFile, &records); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	raw, err := Marshal(rec)
	if err != nil {
		return err
	}
	records = append(records, json.RawMessage(raw))
	return s.write(ReportFile, records)
}

// ReadTuningReport returns the raw cumulative tuning records.
func (s *Store) ReadTuningReport() ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := s.readJSON(ReportFile, &records); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

// WriteOverrides atomically replaces runtime_overrides.json.
func (s *Store) WriteOverrides(m map[string]float64) error {
	return s.write(OverridesFile, m)
}

// ReadOverrides reads runtime_overrides.json. A missing file returns
// (nil, nil): callers fall back to defaults. Key whitelisting is enforced by
// the engine-side reader, not here.
func (s *Store) ReadOverrides() (map[string]float64, error) {
	var m map[string]float64
	if err := s.readJSON(OverridesFile, &m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// WriteSnapshot writes POST_SOAK_SNAPSHOT.json.
func (s *Store) WriteSnapshot(v any) error {
	return s.write(SnapshotFile, v)
}

// ReadSnapshot reads POST_SOAK_SNAPSHOT.json into v.
func (s *Store) ReadSnapshot(v any) error {
	return s.readJSON(SnapshotFile, v)
}

// AppendFailure records a failed iteration in FAILURES.md. The file is a
// deterministic, sorted listing rewritten atomically on each append.
func (s *Store) AppendFailure(iteration int, reason string) error {
	lines, err := s.readFailureLines()
	if err != nil {
		return err
	}
	lines = append(lines, fmt.Sprintf("- iteration %d: %s", iteration, reason))
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := failureIteration(lines[i]), failureIteration(lines[j])
		if a != b {
			return a < b
		}
		return lines[i] < lines[j]
	})

	var b strings.Builder
	b.WriteString("# FAILURES\n\n")
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}

	path := filepath.Join(s.dir, FailuresFile)
	pfData := []byte(b.String())
	return writeAtomicBytes(path, pfData, s.dirSync)
}

// failureIteration parses the iteration index out of a failure line so the
// listing sorts numerically, not lexically.
func failureIteration(line string) int {
	var n int
	if _, err := fmt.Sscanf(line, "- iteration %d:", &n); err != nil {
		return 0
	}
	return n
}

// Failures returns the recorded failure lines, or nil when no failure
// artifact exists.
func (s *Store) Failures() ([]string, error) {
	return s.readFailureLines()
}

func (s *Store) readFailureLines() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, FailuresFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(l, "- ") {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}
