package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mfscore/mfsmaster/internal/matocs"
	"github.com/mfscore/mfsmaster/internal/matoml"
	"github.com/mfscore/mfsmaster/internal/proto"
	"github.com/mfscore/mfsmaster/internal/wire"
)

// serveMATOCS accepts chunk-server connections until ctx is cancelled,
// spawning one goroutine per session (spec §4.1, §5). Unlike the
// single-threaded event loop the rest of the master models, concurrent
// connections here really do run on separate goroutines; coreMu
// serializes their access to the shared Manager/CSDB/Ledger/chunk table
// so the collaborator packages themselves stay lock-free.
func (d *daemon) serveMATOCS(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.matocsAddr)
	if err != nil {
		return fmt.Errorf("mfsmaster: matocs listen %s: %w", d.matocsAddr, err)
	}
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("mfsmaster: matocs accept: %w", err)
			}
		}
		go d.handleMATOCSConn(conn)
	}
}

func (d *daemon) handleMATOCSConn(conn net.Conn) {
	defer conn.Close()

	r := wire.NewReader(conn, proto.MaxPacketSize)
	w := wire.NewWriter(conn)
	peerIP := ipToUint32(remoteIP(conn))

	d.coreMu.Lock()
	sess := d.matocsMgr.NewSession(peerIP)
	d.coreMu.Unlock()

	for {
		pkt, err := r.ReadPacket()
		if err != nil {
			d.killMATOCSSession(sess)
			return
		}

		d.coreMu.Lock()
		derr := d.dispatcher.Dispatch(sess, w, pkt.Type, pkt.Body)
		d.coreMu.Unlock()

		if derr != nil {
			if !errors.Is(derr, matocs.ErrGracefulClose) {
				logrus.Warnf("mfsmaster: matocs session %d: %v", sess.ID, derr)
			}
			d.killMATOCSSession(sess)
			return
		}

		if _, err := w.Flush(); err != nil {
			d.killMATOCSSession(sess)
			return
		}
	}
}

// killMATOCSSession tears a disconnected session down: Manager.Kill fails
// its outstanding ledger records and detaches the CSDB entry, and the
// chunk table drops csid's replica membership separately since chunks
// lives outside Manager's own collaborator set (spec §4.5, §4.9).
func (d *daemon) killMATOCSSession(sess *matocs.Session) {
	d.coreMu.Lock()
	defer d.coreMu.Unlock()
	d.matocsMgr.Kill(sess)
	if sess.CSID != 0 {
		d.chunkTbl.ServerDisconnected(sess.CSID)
	}
}

// serveMATOML accepts metalogger/supervisor connections until ctx is
// cancelled, mirroring serveMATOCS's one-goroutine-per-session shape.
func (d *daemon) serveMATOML(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.matomlAddr)
	if err != nil {
		return fmt.Errorf("mfsmaster: matoml listen %s: %w", d.matomlAddr, err)
	}
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("mfsmaster: matoml accept: %w", err)
			}
		}
		go d.handleMATOMLConn(conn)
	}
}

type mlSender struct{ w *wire.Writer }

func (s mlSender) Send(packetType uint32, body []byte) { s.w.Enqueue(packetType, body) }

func (d *daemon) handleMATOMLConn(conn net.Conn) {
	defer conn.Close()

	r := wire.NewReader(conn, proto.MaxPacketSizeML)
	w := wire.NewWriter(conn)
	clientID := conn.RemoteAddr().String()

	sess := matoml.New(d.chlogSrc, d.meta, mlSender{w: w}, nil, clientID, d.checkpointDB)

	d.mlMu.Lock()
	d.mlSessions[clientID] = sess
	d.mlMu.Unlock()
	defer func() {
		d.mlMu.Lock()
		delete(d.mlSessions, clientID)
		d.mlMu.Unlock()
		sess.Close()
	}()

	for {
		pkt, err := r.ReadPacket()
		if err != nil {
			return
		}
		if err := d.dispatchMATOML(sess, pkt.Type, pkt.Body); err != nil {
			logrus.Warnf("mfsmaster: matoml session %s: %v", clientID, err)
			return
		}
		if _, err := w.Flush(); err != nil {
			return
		}
	}
}

// dispatchMATOML decodes one inbound MATOML packet and calls the matching
// Session method; there is no shared Dispatcher here because
// internal/matoml exposes its protocol as direct method calls rather than
// a single dispatch table (spec §4.8).
func (d *daemon) dispatchMATOML(sess *matoml.Session, typ uint32, body []byte) error {
	switch typ {
	case proto.ANTOMA_REGISTER:
		return d.dispatchMATOMLRegister(sess, body)

	case proto.ANTOMA_STORE_METADATA:
		if len(body) != 0 {
			return fmt.Errorf("matoml: ANTOMA_STORE_METADATA - wrong size (%d/0)", len(body))
		}
		return sess.StoreMetadata()

	case proto.MLTOMA_DOWNLOAD_START:
		if len(body) < 1 {
			return fmt.Errorf("matoml: short DOWNLOAD_START body")
		}
		return sess.DownloadStart(int(body[0]), d.resolveDownloadFile)

	case proto.MLTOMA_DOWNLOAD_REQUEST:
		if len(body) < 12 {
			return fmt.Errorf("matoml: short DOWNLOAD_REQUEST body")
		}
		offset := int64(binary.BigEndian.Uint64(body[0:8]))
		length := int(binary.BigEndian.Uint32(body[8:12]))
		return sess.DownloadRequest(offset, length)

	case proto.MLTOMA_DOWNLOAD_END:
		sess.DownloadEnd()
		return nil

	case proto.UNKNOWN_COMMAND, proto.BAD_COMMAND_SIZE, proto.NOP:
		return nil

	default:
		return nil
	}
}

// dispatchMATOMLRegister decodes ANTOMA_REGISTER's leading rversion byte
// and calls the matching Session method (spec §4.8: one wire packet, the
// simple/advanced/supervisor split lives in this one byte, not in
// separate packet numbers). rversion 3 is a retired protocol version and
// is rejected outright, matching real metalogger behavior of refusing to
// talk to it.
func (d *daemon) dispatchMATOMLRegister(sess *matoml.Session, body []byte) error {
	if len(body) < 7 {
		return fmt.Errorf("matoml: short REGISTER body")
	}
	rversion := body[0]
	version := binary.BigEndian.Uint32(body[1:5])
	timeout := binary.BigEndian.Uint16(body[5:7])

	switch rversion {
	case proto.RegisterSimple:
		sess.RegisterSimple(version, secondsToDuration(timeout))
		return nil
	case proto.RegisterSupervisor:
		sess.RegisterSupervisor(version, secondsToDuration(timeout))
		return nil
	case proto.RegisterAdvanced:
		if len(body) < 15 {
			return fmt.Errorf("matoml: short advanced REGISTER body")
		}
		minVersion := binary.BigEndian.Uint64(body[7:15])
		sess.RegisterAdvanced(version, secondsToDuration(timeout), minVersion)
		return nil
	case proto.RegisterRetired:
		return fmt.Errorf("matoml: rversion 3 register protocol is not supported")
	default:
		return fmt.Errorf("matoml: unknown register rversion %d", rversion)
	}
}

// resolveDownloadFile maps DOWNLOAD_START's fixed file numbers to their
// on-disk paths (spec §4.8's fixed file set).
func (d *daemon) resolveDownloadFile(fileNum int) (string, bool) {
	switch fileNum {
	case proto.DownloadFileMetaBack:
		return d.dataPath + "/metadata.mfs.back", true
	case proto.DownloadFileChangelog0:
		return d.dataPath + "/changelog.0.mfs", true
	case proto.DownloadFileChangelog1:
		return d.dataPath + "/changelog.1.mfs", true
	default:
		return "", false
	}
}

func secondsToDuration(s uint16) time.Duration { return time.Duration(s) * time.Second }

func remoteIP(conn net.Conn) net.IP {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}
