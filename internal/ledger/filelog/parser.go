package filelog

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// bounds on untrusted framing values read from the command file; a
// corrupt header must fail parsing, not size an allocation
const (
	maxCommandSegments = 16
	maxBlobLen         = 1 << 30
)

type parser struct {
	totalSize      int
	currentCmdSize int
	totalCommands  int
	currentLine    uint64
}

// parse reads commands from r until EOF and feeds each one to cb.
// It returns the number of bytes consumed by whole commands; a torn
// trailing command surfaces as io.ErrUnexpectedEOF so the caller can
// truncate the file back to that offset.
func (p *parser) parse(r *bufio.Reader, cb func(cmd deserializable) error) (int, error) {
	for {
		p.currentCmdSize = 0

		firstByte, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return p.totalSize, nil
			}

			return p.totalSize, errors.Wrap(ErrSourceFileReadFailed, err.Error())
		}

		if firstByte == 0 {
			continue
		}

		if err := r.UnreadByte(); err != nil {
			return p.totalSize, errors.Wrap(ErrSourceFileReadFailed, err.Error())
		}

		segments, err := p.resolveRespArrayFromLine(r)
		if err != nil {
			return p.totalSize, err
		}

		cmdCode, err := p.resolveRespCommandCode(r)
		if err != nil {
			return p.totalSize, err
		}

		switch cmdCode {
		case appendCode:
			if err := p.parseAppendCommand(r, segments, cb); err != nil {
				return p.totalSize, err
			}
		case flagCode:
			if err := p.parseFlagCommand(r, segments, cb); err != nil {
				return p.totalSize, err
			}
		}

		p.totalCommands++
		p.totalSize += p.currentCmdSize
	}
}

func (p *parser) parseAppendCommand(r *bufio.Reader, segments int, cb func(cmd deserializable) error) error {
	if segments != 6 {
		return errors.Wrapf(ErrCommandInvalid, "line #%d - app command must have 6 segments, got %d", p.currentLine, segments)
	}

	key, err := p.resolveRespKey(r)
	if err != nil {
		return err
	}

	id, err := p.resolveRespUint(r)
	if err != nil {
		return err
	}

	current, err := p.resolveRespFlag(r)
	if err != nil {
		return err
	}

	digest, err := p.resolveRespDigest(r)
	if err != nil {
		return err
	}

	payload, err := p.resolveRespBlob(r)
	if err != nil {
		return err
	}

	if xxhash.Sum64(payload) != digest {
		return errors.Wrapf(
			ErrSourceFileCorrupted,
			"payload digest mismatch for record %d under key %q at line #%d",
			id, string(key), p.currentLine,
		)
	}

	return cb(&appendCmd{id: id, key: string(key), payload: payload, current: current})
}

func (p *parser) parseFlagCommand(r *bufio.Reader, segments int, cb func(cmd deserializable) error) error {
	if segments != 4 {
		return errors.Wrapf(ErrCommandInvalid, "line #%d - flg command must have 4 segments, got %d", p.currentLine, segments)
	}

	key, err := p.resolveRespKey(r)
	if err != nil {
		return err
	}

	id, err := p.resolveRespUint(r)
	if err != nil {
		return err
	}

	current, err := p.resolveRespFlag(r)
	if err != nil {
		return err
	}

	return cb(&flagCmd{key: string(key), id: id, current: current})
}

func (p *parser) resolveRespArrayFromLine(r *bufio.Reader) (int, error) {
	p.currentLine++
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.ErrUnexpectedEOF
		}

		return 0, errors.Wrapf(ErrSourceFileReadFailed, "could not parse array at line #%d: %s", p.currentLine, err.Error())
	}

	if len(line) < 4 || line[0] != '*' {
		return 0, errors.Wrapf(
			ErrCommandInvalid,
			"line #%d - %s should actually start with *",
			p.currentLine, string(line))
	}

	n, err := strconv.Atoi(string(line[1 : len(line)-2]))
	if err != nil {
		return 0, errors.Wrapf(ErrCommandInvalid, "could not parse command size at line #%d: %v", p.currentLine, err)
	}

	if n <= 0 || n > maxCommandSegments {
		return 0, errors.Wrapf(ErrCommandInvalid, "line #%d - %d is not a valid segment count", p.currentLine, n)
	}

	p.currentCmdSize += len(line)

	return n, nil
}

func (p *parser) resolveRespCommandCode(r *bufio.Reader) (commandCode, error) {
	line, err := p.readSimpleString(r)
	if err != nil {
		return invalidCode, err
	}

	switch line {
	case appendCommand:
		return appendCode, nil
	case flagCommand:
		return flagCode, nil
	}

	return invalidCode, errors.Wrapf(ErrCommandInvalid, "at line #%d command [%s] is unknown", p.currentLine, line)
}

func (p *parser) readSimpleString(r *bufio.Reader) (string, error) {
	p.currentLine++
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}

		return "", errors.Wrap(ErrCommandInvalid, err.Error())
	}

	if len(line) < 4 || line[0] != '+' {
		return "", errors.Wrapf(ErrCommandInvalid, "line #%d - %s is invalid", p.currentLine, string(line))
	}

	p.currentCmdSize += len(line)

	return string(line[1 : len(line)-2]), nil
}

func (p *parser) resolveRespUint(r *bufio.Reader) (uint64, error) {
	token, err := p.readSimpleString(r)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrCommandInvalid, "line #%d - %s is not a valid record id", p.currentLine, token)
	}

	return v, nil
}

func (p *parser) resolveRespFlag(r *bufio.Reader) (bool, error) {
	token, err := p.readSimpleString(r)
	if err != nil {
		return false, err
	}

	switch token {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}

	return false, errors.Wrapf(ErrCommandInvalid, "line #%d - %s is not a valid flag", p.currentLine, token)
}

func (p *parser) resolveRespDigest(r *bufio.Reader) (uint64, error) {
	token, err := p.readSimpleString(r)
	if err != nil {
		return 0, err
	}

	if !strings.HasPrefix(token, "x(") || !strings.HasSuffix(token, ")") {
		return 0, errors.Wrapf(ErrCommandInvalid, "line #%d - %s is not a valid digest", p.currentLine, token)
	}

	v, err := strconv.ParseUint(token[2:len(token)-1], 16, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrCommandInvalid, "line #%d - %s contains an invalid digest", p.currentLine, token)
	}

	return v, nil
}

func (p *parser) resolveRespKey(r *bufio.Reader) ([]byte, error) {
	return p.resolveRespBlob(r)
}

func (p *parser) resolveRespBlob(r *bufio.Reader) ([]byte, error) {
	p.currentLine++
	strInfoLine, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}

		return nil, errors.Wrapf(
			ErrCommandInvalid,
			"could not resolve blob at line #%d: %v",
			p.currentLine, err)
	}

	p.currentCmdSize += len(strInfoLine)

	if len(strInfoLine) < 4 || strInfoLine[0] != '$' {
		return nil, errors.Wrapf(ErrCommandInvalid, "line #%d - %s is invalid", p.currentLine, string(strInfoLine))
	}

	blobLen, err := strconv.Atoi(string(strInfoLine[1 : len(strInfoLine)-2]))
	if err != nil {
		return nil, errors.Wrap(ErrCommandInvalid, err.Error())
	}

	if blobLen < 0 || blobLen > maxBlobLen {
		return nil, errors.Wrapf(ErrCommandInvalid, "line #%d - %d is not a valid blob length", p.currentLine, blobLen)
	}

	blob := make([]byte, blobLen+2)
	n, err := io.ReadFull(r, blob)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}

		return nil, errors.Wrap(ErrCommandInvalid, err.Error())
	}

	p.currentCmdSize += n
	p.currentLine++

	return blob[:blobLen], nil
}
