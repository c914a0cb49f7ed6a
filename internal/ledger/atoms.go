package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// The ledger worktree mirrors the repository's .eluent/ directory; atoms
// live one JSON object per line in data.jsonl. The core reads and writes
// only id, status, assignee and updated_at — every other field is preserved
// byte-exactly on lines it does not touch, and value-exactly on the one it
// rewrites.

const (
	eluentDirName = ".eluent"
	dataFileName  = "data.jsonl"
)

// Atom statuses the core understands.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDeferred   = "deferred"
	StatusClosed     = "closed"
	StatusDiscard    = "discard"
)

// isTerminal reports whether claims against the status are rejected.
func isTerminal(status string) bool {
	return status == StatusClosed || status == StatusDiscard
}

// atomView is the core's read-side projection of one atom record.
type atomView struct {
	ID       string
	Status   string
	Assignee string // empty when null
}

// maxLineSize bounds a single data.jsonl line (16 MiB).
const maxLineSize = 16 << 20

func dataFilePath(worktreeDir string) string {
	return filepath.Join(worktreeDir, eluentDirName, dataFileName)
}

// readAtom streams the data file looking for the atom with the given id.
// found is false when the file exists but contains no such atom.
func readAtom(path, atomID string) (view atomView, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return atomView{}, false, fmt.Errorf("open ledger data: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		v, ok := decodeAtomLine(line)
		if !ok || v.ID != atomID {
			continue
		}
		return v, true, nil
	}
	if serr := scanner.Err(); serr != nil {
		return atomView{}, false, fmt.Errorf("scan ledger data: %w", serr)
	}
	return atomView{}, false, nil
}

// decodeAtomLine extracts the claim-relevant fields; malformed lines are
// skipped rather than failing the whole file.
func decodeAtomLine(line []byte) (atomView, bool) {
	var rec struct {
		ID       string  `json:"id"`
		Status   string  `json:"status"`
		Assignee *string `json:"assignee"`
	}
	if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
		return atomView{}, false
	}
	v := atomView{ID: rec.ID, Status: rec.Status}
	if rec.Assignee != nil {
		v.Assignee = *rec.Assignee
	}
	return v, true
}

// atomMutation rewrites the claim fields of the target record. A nil
// Assignee writes JSON null.
type atomMutation struct {
	Status    string
	Assignee  *string
	UpdatedAt time.Time
}

// rewriteAtom produces a new data file: every line is copied unchanged
// except the target record, which is re-encoded with the mutation applied.
// The write is atomic: temp sibling file, fsync, rename. On any I/O error
// the temp file is removed and the original left untouched.
func rewriteAtom(path, atomID string, mut atomMutation) (err error) {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open ledger data: %w", err)
	}
	defer in.Close()

	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp ledger data: %w", err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()

	w := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	rewritten := false
	for scanner.Scan() {
		line := scanner.Bytes()
		trimmed := bytes.TrimSpace(line)
		if !rewritten && len(trimmed) > 0 {
			if v, ok := decodeAtomLine(trimmed); ok && v.ID == atomID {
				encoded, merr := applyMutation(trimmed, mut)
				if merr != nil {
					err = merr
					return err
				}
				if _, werr := w.Write(encoded); werr != nil {
					err = fmt.Errorf("write ledger data: %w", werr)
					return err
				}
				if werr := w.WriteByte('\n'); werr != nil {
					err = fmt.Errorf("write ledger data: %w", werr)
					return err
				}
				rewritten = true
				continue
			}
		}
		if _, werr := w.Write(line); werr != nil {
			err = fmt.Errorf("write ledger data: %w", werr)
			return err
		}
		if werr := w.WriteByte('\n'); werr != nil {
			err = fmt.Errorf("write ledger data: %w", werr)
			return err
		}
	}
	if serr := scanner.Err(); serr != nil {
		err = fmt.Errorf("scan ledger data: %w", serr)
		return err
	}
	if !rewritten {
		err = fmt.Errorf("atom %s disappeared during rewrite", atomID)
		return err
	}
	if ferr := w.Flush(); ferr != nil {
		err = fmt.Errorf("flush ledger data: %w", ferr)
		return err
	}
	if serr := out.Sync(); serr != nil {
		err = fmt.Errorf("sync ledger data: %w", serr)
		return err
	}
	if cerr := out.Close(); cerr != nil {
		err = fmt.Errorf("close ledger data: %w", cerr)
		return err
	}
	if rerr := os.Rename(tmp, path); rerr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace ledger data: %w", rerr)
	}
	return nil
}

// applyMutation decodes the full record (preserving unknown fields), applies
// the claim-field mutation, and re-encodes. json.Number keeps numeric fields
// from being rewritten in float form.
func applyMutation(line []byte, mut atomMutation) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode atom record: %w", err)
	}
	rec["status"] = mut.Status
	if mut.Assignee == nil {
		rec["assignee"] = nil
	} else {
		rec["assignee"] = *mut.Assignee
	}
	rec["updated_at"] = mut.UpdatedAt.UTC().Format(time.RFC3339)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("encode atom record: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// forEachAtom streams every decodable atom record in the file.
func forEachAtom(path string, fn func(view atomView, raw map[string]any) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open ledger data: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		v, ok := decodeAtomLine(line)
		if !ok {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var raw map[string]any
		if derr := dec.Decode(&raw); derr != nil {
			continue
		}
		if ferr := fn(v, raw); ferr != nil {
			return ferr
		}
	}
	return scanner.Err()
}
