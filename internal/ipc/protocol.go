package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fullbrightkay/routeweaver/internal/identity"
)

// AppIDSize is the fixed width of an application id tag.
const AppIDSize = 6

// TokenSize is the width of a stream auth token.
const TokenSize = 32

// controlTag identifies one control-socket frame variant.
type controlTag byte

const (
	ctagListen  controlTag = iota + 1 // client -> server
	ctagConnect                       // client -> server
	ctagAccept                        // client -> server
	ctagDeny                          // client -> server
	ctagSuccess                       // server -> client
	ctagError                         // server -> client
	ctagStream                        // server -> client
	ctagIncoming                      // server -> client
)

// controlFrame is one decoded control-socket message. Only the fields
// relevant to Tag are populated.
type controlFrame struct {
	Tag         controlTag
	App         string
	Destination identity.PublicKey
	CID         uint32
	Message     string
	SocketPath  string
	Token       [TokenSize]byte
	From        identity.PublicKey
}

func writeControlFrame(w io.Writer, f controlFrame) error {
	buf := []byte{byte(f.Tag)}
	switch f.Tag {
	case ctagListen:
		buf = appendFixedString(buf, f.App, AppIDSize)
	case ctagConnect:
		buf = appendFixedString(buf, f.App, AppIDSize)
		buf = append(buf, f.Destination[:]...)
	case ctagAccept, ctagDeny:
		buf = appendUint32(buf, f.CID)
	case ctagSuccess:
		// no payload
	case ctagError:
		buf = appendString(buf, f.Message)
	case ctagStream:
		buf = appendString(buf, f.SocketPath)
		buf = append(buf, f.Token[:]...)
	case ctagIncoming:
		buf = appendUint32(buf, f.CID)
		buf = append(buf, f.From[:]...)
		buf = appendFixedString(buf, f.App, AppIDSize)
	default:
		return fmt.Errorf("ipc: unknown control tag %d", f.Tag)
	}
	return writeFrame(w, buf)
}

func readControlFrame(r io.Reader) (controlFrame, error) {
	buf, err := readFrame(r)
	if err != nil {
		return controlFrame{}, err
	}
	if len(buf) == 0 {
		return controlFrame{}, fmt.Errorf("ipc: empty control frame")
	}
	br := &byteReader{buf: buf[1:]}
	f := controlFrame{Tag: controlTag(buf[0])}
	switch f.Tag {
	case ctagListen:
		app, ok := br.readFixedString(AppIDSize)
		if !ok {
			return controlFrame{}, errTruncated
		}
		f.App = app
	case ctagConnect:
		app, ok := br.readFixedString(AppIDSize)
		if !ok {
			return controlFrame{}, errTruncated
		}
		f.App = app
		dst, ok := br.readBytes(identity.PublicKeySize)
		if !ok {
			return controlFrame{}, errTruncated
		}
		copy(f.Destination[:], dst)
	case ctagAccept, ctagDeny:
		cid, ok := br.readUint32()
		if !ok {
			return controlFrame{}, errTruncated
		}
		f.CID = cid
	case ctagSuccess:
		// no payload
	case ctagError:
		msg, ok := br.readString()
		if !ok {
			return controlFrame{}, errTruncated
		}
		f.Message = msg
	case ctagStream:
		path, ok := br.readString()
		if !ok {
			return controlFrame{}, errTruncated
		}
		f.SocketPath = path
		tok, ok := br.readBytes(TokenSize)
		if !ok {
			return controlFrame{}, errTruncated
		}
		copy(f.Token[:], tok)
	case ctagIncoming:
		cid, ok := br.readUint32()
		if !ok {
			return controlFrame{}, errTruncated
		}
		f.CID = cid
		from, ok := br.readBytes(identity.PublicKeySize)
		if !ok {
			return controlFrame{}, errTruncated
		}
		copy(f.From[:], from)
		app, ok := br.readFixedString(AppIDSize)
		if !ok {
			return controlFrame{}, errTruncated
		}
		f.App = app
	default:
		return controlFrame{}, fmt.Errorf("ipc: unknown control tag %d", f.Tag)
	}
	return f, nil
}

// streamTag identifies one stream-socket frame variant.
type streamTag byte

const (
	stagAuth streamTag = iota + 1
	stagAuthSuccess
	stagAuthFailure
	stagData
)

type streamFrame struct {
	Tag   streamTag
	Token [TokenSize]byte
	Data  []byte
}

func writeStreamFrame(w io.Writer, f streamFrame) error {
	buf := []byte{byte(f.Tag)}
	switch f.Tag {
	case stagAuth:
		buf = append(buf, f.Token[:]...)
	case stagAuthSuccess, stagAuthFailure:
		// no payload
	case stagData:
		buf = appendUint32(buf, uint32(len(f.Data)))
		buf = append(buf, f.Data...)
	default:
		return fmt.Errorf("ipc: unknown stream tag %d", f.Tag)
	}
	return writeFrame(w, buf)
}

func readStreamFrame(r io.Reader) (streamFrame, error) {
	buf, err := readFrame(r)
	if err != nil {
		return streamFrame{}, err
	}
	if len(buf) == 0 {
		return streamFrame{}, fmt.Errorf("ipc: empty stream frame")
	}
	br := &byteReader{buf: buf[1:]}
	f := streamFrame{Tag: streamTag(buf[0])}
	switch f.Tag {
	case stagAuth:
		tok, ok := br.readBytes(TokenSize)
		if !ok {
			return streamFrame{}, errTruncated
		}
		copy(f.Token[:], tok)
	case stagAuthSuccess, stagAuthFailure:
		// no payload
	case stagData:
		n, ok := br.readUint32()
		if !ok {
			return streamFrame{}, errTruncated
		}
		data, ok := br.readBytes(int(n))
		if !ok {
			return streamFrame{}, errTruncated
		}
		f.Data = data
	default:
		return streamFrame{}, fmt.Errorf("ipc: unknown stream tag %d", f.Tag)
	}
	return f, nil
}

// --- framing: 4-byte little-endian length prefix plus body ---

const maxFrameSize = 1 << 20

var errTruncated = fmt.Errorf("ipc: truncated frame")

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendString(dst []byte, s string) []byte {
	dst = appendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendFixedString(dst []byte, s string, width int) []byte {
	var b [AppIDSize]byte
	copy(b[:], s)
	_ = width
	return append(dst, b[:]...)
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) readBytes(n int) ([]byte, bool) {
	if len(r.buf)-r.pos < n {
		return nil, false
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, true
}

func (r *byteReader) readUint32() (uint32, bool) {
	b, ok := r.readBytes(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (r *byteReader) readString() (string, bool) {
	n, ok := r.readUint32()
	if !ok {
		return "", false
	}
	b, ok := r.readBytes(int(n))
	if !ok {
		return "", false
	}
	return string(b), true
}

func (r *byteReader) readFixedString(width int) (string, bool) {
	b, ok := r.readBytes(width)
	if !ok {
		return "", false
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end]), true
}
