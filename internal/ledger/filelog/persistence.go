package filelog

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

var ErrDbFileWriteFailed = errors.New("ledger file write failed")
var ErrSourceFileReadFailed = errors.New("ledger file read failed")
var ErrSourceFileCorrupted = errors.New("ledger file corrupted")
var ErrCommandInvalid = errors.New("command invalid")
var ErrStorageFailed = errors.New("storage error")
var ErrInternalError = errors.New("internal error")

type persistence struct {
	mu       sync.RWMutex
	strategy Strategy
	f        *os.File
	flushes  int
	cursor   int
}

func newPersistence(filepath string, strategy Strategy, truncateFileOnOpen bool) (*persistence, error) {
	flags := os.O_CREATE | os.O_RDWR
	if truncateFileOnOpen {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(filepath, flags, 0666)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageFailed, "could not open ledger file %s: %s", filepath, err.Error())
	}

	return &persistence{f: f, strategy: strategy}, nil
}

func (p *persistence) close() (err error) {
	p.mu.Lock()
	defer func() {
		p.f = nil
		p.mu.Unlock()
	}()

	if sErr := p.f.Sync(); sErr != nil {
		err = errors.Wrapf(sErr, "could not sync file %s", p.f.Name())
	}

	if cErr := p.f.Close(); cErr != nil {
		err = errors.Wrapf(cErr, "could not close file %s", p.f.Name())
	}

	return
}

// load replays the command file into cb. A torn tail left by an
// interrupted append truncates back to the last whole command.
func (p *persistence) load(cb func(cmd deserializable) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.f.Stat(); err != nil {
		return errors.Wrapf(err, "could not collect file %s stats", p.f.Name())
	}

	prs := &parser{}
	r := bufio.NewReader(p.f)

	n, err := prs.parse(r, cb)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			if tErr := p.f.Truncate(int64(n)); tErr != nil {
				return errors.Wrapf(tErr, "could not truncate file after torn tail at %d", n)
			}
		} else {
			return err
		}
	}

	pos, err := p.f.Seek(int64(n), 0)
	if err != nil {
		return errors.Wrapf(ErrStorageFailed, "could not move the cursor: %s", err.Error())
	}

	p.cursor = int(pos)

	return nil
}

func (p *persistence) save(commands []serializable) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rs := &respSerializer{}
	for _, cmd := range commands {
		if err := cmd.serialize(rs); err != nil {
			return err
		}
	}

	return p.writeUnderLock(rs)
}

func (p *persistence) writeUnderLock(rs *respSerializer) error {
	n, err := p.f.Write(rs.buf.Bytes())
	if err != nil {
		if n > 0 {
			// partial write occurred, must roll the file back
			pos, seekErr := p.f.Seek(-int64(n), 1)
			if seekErr != nil {
				return errors.Wrapf(
					ErrInternalError,
					"could not seek file %s to -%d: %v",
					p.f.Name(), n, seekErr,
				)
			}

			if tErr := p.f.Truncate(pos); tErr != nil {
				return errors.Wrapf(tErr, "could not truncate file %s", p.f.Name())
			}
		}

		_ = p.f.Sync()
		return errors.Wrap(ErrDbFileWriteFailed, err.Error())
	}

	if p.strategy == Sync {
		if err := p.f.Sync(); err != nil {
			return errors.Wrapf(err, "cannot sync file %s", p.f.Name())
		}
	}

	p.flushes++
	p.cursor += rs.buf.Len()

	return nil
}

func (p *persistence) sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.f.Sync(); err != nil {
		return errors.Wrapf(err, "cannot sync file %s", p.f.Name())
	}

	return nil
}

// writeAndSwap writes the full serialized state to a temp file and
// renames it over the command file. On a failed rename the original file
// is reopened so the ledger stays usable.
func (p *persistence) writeAndSwap(rs *respSerializer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tmpFName := p.f.Name() + ".tmp"
	tmpF, err := os.Create(tmpFName)
	if err != nil {
		return errors.Wrapf(err, "could not create %s file for compaction", tmpFName)
	}

	defer func() {
		_ = tmpF.Close()
		_ = os.RemoveAll(tmpFName)
	}()

	expectedLen := rs.buf.Len()
	n, err := tmpF.Write(rs.buf.Bytes())
	if err != nil {
		return errors.Wrapf(err, "compaction could not write into %s file", tmpFName)
	}

	if n != expectedLen {
		return errors.Wrapf(ErrDbFileWriteFailed, "compaction wrote %d of %d bytes into %s", n, expectedLen, tmpFName)
	}

	if err := tmpF.Sync(); err != nil {
		return errors.Wrapf(err, "could not sync %s file", tmpFName)
	}

	oldName := p.f.Name()
	if err := p.f.Close(); err != nil {
		return errors.Wrapf(err, "compaction could not close %s file to swap it", oldName)
	}

	if rnErr := os.Rename(tmpFName, oldName); rnErr != nil {
		resultErr := errors.Wrapf(rnErr, "compaction could not swap %s file for %s", oldName, tmpFName)
		p.f, err = os.OpenFile(oldName, os.O_CREATE|os.O_RDWR, 0666)
		if err != nil {
			return errors.Wrapf(resultErr, "and could not reopen old file: %s", err.Error())
		}
		return resultErr
	}

	p.f, err = os.OpenFile(oldName, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return errors.Wrapf(err, "could not reopen swapped file: %s", oldName)
	}

	pos, err := p.f.Seek(int64(n), 0)
	if err != nil {
		return errors.Wrapf(ErrStorageFailed, "could not move the cursor in file %s: %s", oldName, err.Error())
	}

	p.cursor = int(pos)

	return nil
}

func (p *persistence) sizeBytes() (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stat, err := p.f.Stat()
	if err != nil {
		return 0, errors.Wrapf(ErrStorageFailed, "could not stat file %s: %s", p.f.Name(), err.Error())
	}

	return stat.Size(), nil
}
