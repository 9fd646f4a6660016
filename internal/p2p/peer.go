package p2p

import (
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/go-socks/socks"
)

// Endpoint is the minimal dial target a Connector needs. It is derived
// from an addrmgr.LocalAddress by the orchestrator rather than imported
// directly, since addrmgr must not depend on p2p.Peer.
type Endpoint struct {
	Network   string // "tcp"
	Address   string // host:port
	ProxyAddr string // SOCKS5 proxy address, empty for a direct dial
}

// NotifyFunc reports a PeerMessages back to the peer's owner, typically a
// thin wrapper around Orchestrator.Notify that stamps NodeNotification.
type NotifyFunc func(PeerMessages)

// Connector dials peers and hands back a running Peer. The Bitcoin P2P
// wire encoding itself is github.com/btcsuite/btcd/wire, already the
// vocabulary every other package in this repo uses for block and
// transaction types, so dialing and the version handshake are built
// directly against it rather than a bespoke transport abstraction.
type Connector struct {
	ChainParams      *chaincfg.Params
	UserAgentName    string
	UserAgentVersion string
	OurServices      ServiceFlag
	StartHeight      int32
	ProtocolVersion  uint32
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	Log              btclog.Logger
}

// Peer is one live connection: a read/write goroutine pair translating
// between the wire encoding and NodeRequest/PeerMessages.
type Peer struct {
	ID       PeerID
	Outbound chan NodeRequest

	conn   net.Conn
	pver   uint32
	btcnet wire.BitcoinNet
}

func (c *Connector) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 10 * time.Second
}

func (c *Connector) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 30 * time.Second
}

// Dial opens a connection to ep, performs the version/verack handshake,
// and starts the peer's read and write loops. notify receives every
// inbound PeerMessages, including the initial Ready once the handshake
// completes and a final Disconnected when either loop exits.
func (c *Connector) Dial(id PeerID, ep Endpoint, notify NotifyFunc) (*Peer, error) {
	var conn net.Conn
	var err error
	if ep.ProxyAddr != "" {
		proxy := &socks.Proxy{Addr: ep.ProxyAddr}
		conn, err = proxy.Dial(ep.Network, ep.Address)
	} else {
		conn, err = net.DialTimeout(ep.Network, ep.Address, c.dialTimeout())
	}
	if err != nil {
		return nil, err
	}

	pver := c.ProtocolVersion
	if pver == 0 {
		pver = wire.ProtocolVersion
	}

	p := &Peer{
		ID:       id,
		Outbound: make(chan NodeRequest, 64),
		conn:     conn,
		pver:     pver,
		btcnet:   c.ChainParams.Net,
	}

	remoteVersion, err := c.handshake(p)
	if err != nil {
		conn.Close()
		return nil, err
	}

	notify(PeerMessages{Kind: PeerReady, From: id, Version: remoteVersion})

	go p.writeLoop(c, notify)
	go p.readLoop(c, notify)

	return p, nil
}

// handshake performs the standard Bitcoin P2P exchange: send our version,
// receive the remote's version, each side acks with verack.
func (c *Connector) handshake(p *Peer) (*wire.MsgVersion, error) {
	p.conn.SetDeadline(time.Now().Add(c.handshakeTimeout()))
	defer p.conn.SetDeadline(time.Time{})

	localAddr, ok := p.conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("local net address: not a TCP address: %v", p.conn.LocalAddr())
	}
	us := wire.NewNetAddress(localAddr, wire.ServiceFlag(c.OurServices))

	remoteAddr, ok := p.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("remote net address: not a TCP address: %v", p.conn.RemoteAddr())
	}
	them := wire.NewNetAddress(remoteAddr, 0)

	nonce, err := wire.RandomUint64()
	if err != nil {
		return nil, err
	}

	msg := wire.NewMsgVersion(us, them, nonce, c.StartHeight)
	msg.Services = wire.ServiceFlag(c.OurServices)
	msg.ProtocolVersion = int32(p.pver)
	if err := msg.AddUserAgent(c.UserAgentName, c.UserAgentVersion); err != nil {
		return nil, err
	}
	if err := wire.WriteMessage(p.conn, msg, p.pver, p.btcnet); err != nil {
		return nil, fmt.Errorf("sending version: %w", err)
	}

	var remoteVersion *wire.MsgVersion
	gotVersion, gotVerAck := false, false
	for !gotVersion || !gotVerAck {
		m, _, err := wire.ReadMessage(p.conn, p.pver, p.btcnet)
		if err != nil {
			return nil, fmt.Errorf("handshake read: %w", err)
		}
		switch v := m.(type) {
		case *wire.MsgVersion:
			remoteVersion = v
			gotVersion = true
			if err := wire.WriteMessage(p.conn, wire.NewMsgVerAck(), p.pver, p.btcnet); err != nil {
				return nil, fmt.Errorf("sending verack: %w", err)
			}
		case *wire.MsgVerAck:
			gotVerAck = true
		}
	}
	return remoteVersion, nil
}

// writeLoop drains Outbound, translating each NodeRequest into the wire
// message(s) it represents. A ReqShutdown closes the connection,
// which unblocks readLoop's next read with an error.
func (p *Peer) writeLoop(c *Connector, notify NotifyFunc) {
	for req := range p.Outbound {
		var msg wire.Message
		switch req.Kind {
		case ReqHeaders:
			loc := wire.NewMsgGetHeaders()
			for i := range req.Locator {
				loc.AddBlockLocatorHash(&req.Locator[i])
			}
			loc.HashStop = req.Stop
			msg = loc
		case ReqGetBlock:
			gd := wire.NewMsgGetData()
			for _, h := range req.BlockHashes {
				gd.AddInvVect(wire.NewInvVect(wire.InvTypeWitnessBlock, &h))
			}
			msg = gd
		case ReqGetAddresses:
			msg = wire.NewMsgGetAddr()
		case ReqGetFilter:
			// BIP157 getcfilters addresses a height range by a stop
			// *hash*, which this package doesn't resolve; the
			// chain-handle/filter-store collaborator owns that
			// mapping.
			continue
		case ReqPing:
			nonce, err := wire.RandomUint64()
			if err != nil {
				continue
			}
			msg = wire.NewMsgPing(nonce)
		case ReqBroadcast:
			if req.Tx == nil {
				continue
			}
			msg = req.Tx
		case ReqShutdown:
			p.conn.Close()
			return
		case ReqGetBlockProof, ReqGetUtreexoState:
			// Utreexo-specific extension messages have no
			// representation in github.com/btcsuite/btcd/wire; a
			// network-specific extension message type has to encode
			// them.
			continue
		default:
			continue
		}
		if err := wire.WriteMessage(p.conn, msg, p.pver, p.btcnet); err != nil {
			if c.Log != nil {
				c.Log.Debugf("peer %d write error: %v", p.ID, err)
			}
			p.conn.Close()
			return
		}
	}
}

// readLoop translates inbound wire messages into PeerMessages until the
// connection errors, then reports Disconnected.
func (p *Peer) readLoop(c *Connector, notify NotifyFunc) {
	defer func() {
		notify(PeerMessages{Kind: PeerDisconnected, From: p.ID, DisconnectIdx: p.ID})
	}()

	for {
		m, _, err := wire.ReadMessage(p.conn, p.pver, p.btcnet)
		if err != nil {
			if c.Log != nil {
				c.Log.Debugf("peer %d read error: %v", p.ID, err)
			}
			return
		}

		switch v := m.(type) {
		case *wire.MsgHeaders:
			notify(PeerMessages{Kind: PeerHeaders, From: p.ID, Headers: v.Headers})
		case *wire.MsgBlock:
			notify(PeerMessages{Kind: PeerBlock, From: p.ID, Block: v})
		case *wire.MsgInv:
			notify(PeerMessages{Kind: PeerInv, From: p.ID, Inv: v.InvList})
		case *wire.MsgTx:
			notify(PeerMessages{Kind: PeerTx, From: p.ID, Tx: v})
		case *wire.MsgAddr:
			notify(PeerMessages{Kind: PeerAddr, From: p.ID, Addrs: v.AddrList})
		case *wire.MsgPong:
			notify(PeerMessages{Kind: PeerPong, From: p.ID})
		case *wire.MsgPing:
			pong := wire.NewMsgPong(v.Nonce)
			_ = wire.WriteMessage(p.conn, pong, p.pver, p.btcnet)
		case *wire.MsgNotFound:
			notify(PeerMessages{Kind: PeerNotFound, From: p.ID, NotFound: v.InvList})
		default:
			// Unrecognized message, or a Utreexo/filter extension
			// type with no representation in
			// github.com/btcsuite/btcd/wire: dropped.
		}
	}
}
