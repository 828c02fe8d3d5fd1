package filelog

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// The command file holds a sequence of RESP-style arrays. Two commands
// exist: `app` appends a record (with an xxhash digest guarding the
// payload blob), `flg` flips the current flag of one record. Deletions
// never hit the stream; they compact the file through a full rewrite.
const (
	appendCommand = "app"
	flagCommand   = "flg"
)

type commandCode int8

const (
	invalidCode commandCode = iota
	appendCode
	flagCode
)

type serializable interface {
	serialize(rs *respSerializer) error
}

type deserializable interface {
	deserialize(l *Ledger) error
}

type respSerializer struct {
	buf bytes.Buffer
}

type appendCmd struct {
	id      uint64
	key     string
	payload []byte
	current bool
}

func (cmd *appendCmd) serialize(rs *respSerializer) error {
	writeRespArray(6, &rs.buf)
	writeRespSimpleString([]byte(appendCommand), &rs.buf)
	writeRespKeyString([]byte(cmd.key), &rs.buf)
	writeRespUint(cmd.id, &rs.buf)
	writeRespFlag(cmd.current, &rs.buf)
	writeRespDigest(cmd.payload, &rs.buf)
	writeRespBlob(cmd.payload, &rs.buf)
	return nil
}

func (cmd *appendCmd) deserialize(l *Ledger) error {
	l.applyAppend(cmd.id, cmd.key, cmd.payload, cmd.current)
	return nil
}

type flagCmd struct {
	key     string
	id      uint64
	current bool
}

func (cmd *flagCmd) serialize(rs *respSerializer) error {
	writeRespArray(4, &rs.buf)
	writeRespSimpleString([]byte(flagCommand), &rs.buf)
	writeRespKeyString([]byte(cmd.key), &rs.buf)
	writeRespUint(cmd.id, &rs.buf)
	writeRespFlag(cmd.current, &rs.buf)
	return nil
}

func (cmd *flagCmd) deserialize(l *Ledger) error {
	return l.applyFlag(cmd.key, cmd.id, cmd.current)
}

func writeRespArray(segments int, buf *bytes.Buffer) {
	buf.WriteRune('*')
	buf.WriteString(strconv.FormatInt(int64(segments), 10))
	buf.WriteRune('\r')
	buf.WriteRune('\n')
}

func writeRespSimpleString(b []byte, buf *bytes.Buffer) {
	buf.WriteRune('+')
	buf.Write(b)
	buf.WriteRune('\r')
	buf.WriteRune('\n')
}

func writeRespKeyString(key []byte, buf *bytes.Buffer) {
	buf.WriteRune('$')
	buf.WriteString(strconv.FormatInt(int64(len(key)), 10))
	buf.WriteRune('\r')
	buf.WriteRune('\n')
	buf.Write(key)
	buf.WriteRune('\r')
	buf.WriteRune('\n')
}

func writeRespBlob(blob []byte, buf *bytes.Buffer) {
	writeRespKeyString(blob, buf)
}

func writeRespUint(v uint64, buf *bytes.Buffer) {
	writeRespSimpleString([]byte(strconv.FormatUint(v, 10)), buf)
}

func writeRespFlag(current bool, buf *bytes.Buffer) {
	if current {
		writeRespSimpleString([]byte("1"), buf)
	} else {
		writeRespSimpleString([]byte("0"), buf)
	}
}

func writeRespDigest(payload []byte, buf *bytes.Buffer) {
	writeRespSimpleString([]byte(fmt.Sprintf("x(%016x)", xxhash.Sum64(payload))), buf)
}
