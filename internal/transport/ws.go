package transport

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fullbrightkay/routeweaver/internal/peer"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// WS is a WebSocket transport driver. Each Packet is carried as one
// binary frame; framing needs no length prefix since gorilla delivers
// whole messages.
type WS struct {
	proto    peer.Protocol // ProtocolWS or ProtocolWSS
	server   *http.Server
	listener net.Listener
	port     uint16

	accepted chan *wsConn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWS starts a WebSocket listener on the given port. secure selects
// ProtocolWSS, which the driver reports as its protocol and which makes
// Connect dial wss:// URLs; the listener itself serves plain WebSocket
// without TLS — TLS termination is the operator's concern.
func NewWS(port uint16, secure bool) (*WS, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport/ws: listen: %w", err)
	}
	proto := peer.ProtocolWS
	if secure {
		proto = peer.ProtocolWSS
	}
	w := &WS{
		proto:    proto,
		listener: ln,
		port:     uint16(ln.Addr().(*net.TCPAddr).Port),
		accepted: make(chan *wsConn, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", w.handle)
	w.server = &http.Server{Handler: mux}
	go w.server.Serve(ln)
	return w, nil
}

func (w *WS) handle(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	select {
	case w.accepted <- newWSConn(conn):
	default:
		conn.Close()
	}
}

func (w *WS) Protocol() peer.Protocol { return w.proto }

func (w *WS) Connect(addr peer.Address) (Conn, error) {
	if addr.IP == nil {
		return nil, fmt.Errorf("transport/ws: address has no IP endpoint")
	}
	scheme := "ws"
	if w.proto == peer.ProtocolWSS {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s:%d/", scheme, addr.IP.Addr.String(), addr.IP.Port)
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport/ws: dial %s: %w", url, err)
	}
	return newWSConn(conn), nil
}

func (w *WS) Accept() (Conn, peer.Address, error) {
	c, ok := <-w.accepted
	if !ok {
		return nil, peer.Address{}, fmt.Errorf("transport/ws: closed")
	}
	addr := peer.Address{}
	if tcpAddr, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		addr.IP = &peer.IPAddress{Addr: tcpAddr.IP, Port: uint16(tcpAddr.Port)}
	}
	return c, addr, nil
}

func (w *WS) LocalAddresses() []peer.Address {
	return localIPAddresses(w.port)
}

func (w *WS) Close() error {
	close(w.accepted)
	return w.listener.Close()
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadPacket() (wire.Packet, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return wire.Packet{}, err
	}
	return wire.DecodeDatagram(data)
}

func (c *wsConn) WritePacket(pkt wire.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := pkt.Encode(make([]byte, 0, 128+len(pkt.Data)))
	_ = c.conn.SetWriteDeadline(time.Now().Add(connectTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (c *wsConn) Close() error { return c.conn.Close() }
