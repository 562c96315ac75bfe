package dirbackend

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// sessionFileName renders the "<txid>-<seq>.<status>" on-disk name (spec
// §4.4).
func sessionFileName(txid vtypes.Txid, seq uint64, status vtypes.SessionStatus) string {
	return fmt.Sprintf("%d-%d.%s", txid, seq, status)
}

// parsedSessionFile is one session/ directory entry, decoded.
type parsedSessionFile struct {
	name   string
	txid   vtypes.Txid
	seq    uint64
	status vtypes.SessionStatus
}

// parseSessionFileName parses "<txid>-<seq>.<status>".
func parseSessionFileName(name string) (parsedSessionFile, bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return parsedSessionFile{}, false
	}

	statusStr := name[dot+1:]

	status, ok := vtypes.ParseSessionStatus(statusStr)
	if !ok {
		return parsedSessionFile{}, false
	}

	stem := name[:dot]

	dash := strings.IndexByte(stem, '-')
	if dash < 0 {
		return parsedSessionFile{}, false
	}

	txidNum, err := strconv.ParseUint(stem[:dash], 10, 64)
	if err != nil {
		return parsedSessionFile{}, false
	}

	seq, err := strconv.ParseUint(stem[dash+1:], 10, 64)
	if err != nil {
		return parsedSessionFile{}, false
	}

	return parsedSessionFile{name: name, txid: vtypes.Txid(txidNum), seq: seq, status: status}, true
}

// renameSessionStatus moves a session file from one status suffix to
// another, the atomic-rename commit/abort point (spec §4.4).
func (d *Directory) renameSessionStatus(txid vtypes.Txid, seq uint64, from, to vtypes.SessionStatus) error {
	oldPath := d.path(sessionDir, sessionFileName(txid, seq, from))
	newPath := d.path(sessionDir, sessionFileName(txid, seq, to))

	if err := d.fs.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("dirbackend: renaming session %d-%d %s->%s: %w", txid, seq, from, to, err)
	}

	return nil
}

// createSessionFile creates the initial "<txid>-<seq>.started" marker.
func (d *Directory) createSessionFile(txid vtypes.Txid, seq uint64) error {
	path := d.path(sessionDir, sessionFileName(txid, seq, vtypes.StatusStarted))

	err := d.atomic.WriteWithDefaults(path, bytesReader(nil))
	if err != nil {
		return fmt.Errorf("dirbackend: creating session file: %w", err)
	}

	return nil
}

// removeSessionFile deletes the session marker at the given status, used
// once a txid's artifacts are fully cleaned up or disposed.
func (d *Directory) removeSessionFile(txid vtypes.Txid, seq uint64, status vtypes.SessionStatus) error {
	path := d.path(sessionDir, sessionFileName(txid, seq, status))

	if err := d.fs.Remove(path); err != nil {
		return fmt.Errorf("dirbackend: removing session file: %w", err)
	}

	return nil
}
