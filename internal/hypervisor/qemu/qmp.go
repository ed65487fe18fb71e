// Package qemu implements the QEMU hypervisor driver (C6.1): per-VM process
// and QMP-socket lifecycle, disk provisioning, and cloud-init ISO
// generation. The QMP wire codec is adapted from minimega's own
// internal/qmp package.
package qemu

import (
	"encoding/json"
	"errors"
	"net"
	"time"
)

// qmpConn is a connection to a running QEMU instance's QMP unix socket.
type qmpConn struct {
	conn         net.Conn
	dec          *json.Decoder
	enc          *json.Encoder
	messageSync  chan map[string]interface{}
	messageAsync chan map[string]interface{}
}

// dialQMP connects to socket, completes the qmp_capabilities handshake, and
// starts the async reader.
func dialQMP(socket string) (*qmpConn, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, err
	}

	q := &qmpConn{
		conn:         conn,
		dec:          json.NewDecoder(conn),
		enc:          json.NewEncoder(conn),
		messageSync:  make(chan map[string]interface{}, 1024),
		messageAsync: make(chan map[string]interface{}, 1024),
	}

	if _, err := q.read(); err != nil { // greeting
		conn.Close()
		return nil, err
	}

	if err := q.write(map[string]interface{}{"execute": "qmp_capabilities"}); err != nil {
		conn.Close()
		return nil, err
	}

	v, err := q.read()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !success(v) {
		conn.Close()
		return nil, errors.New("qmp: qmp_capabilities failed")
	}

	go q.reader()

	return q, nil
}

func success(v map[string]interface{}) bool {
	for k, e := range v {
		if k != "return" {
			return false
		}
		m, ok := e.(map[string]interface{})
		if !ok || len(m) != 0 {
			return false
		}
	}
	return true
}

func (q *qmpConn) read() (map[string]interface{}, error) {
	var v map[string]interface{}
	if err := q.dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (q *qmpConn) write(v map[string]interface{}) error {
	return q.enc.Encode(&v)
}

func (q *qmpConn) reader() {
	for {
		v, err := q.read()
		if err != nil {
			close(q.messageAsync)
			return
		}
		if v["event"] != nil {
			select {
			case q.messageAsync <- v:
			default:
			}
		} else {
			q.messageSync <- v
		}
	}
}

// execute sends a QMP command and waits for its synchronous reply.
func (q *qmpConn) execute(cmd string, args map[string]interface{}) (map[string]interface{}, error) {
	msg := map[string]interface{}{"execute": cmd}
	if args != nil {
		msg["arguments"] = args
	}
	if err := q.write(msg); err != nil {
		return nil, err
	}

	select {
	case v := <-q.messageSync:
		if errv, ok := v["error"]; ok {
			return nil, qmpError(errv)
		}
		return v, nil
	case <-time.After(10 * time.Second):
		return nil, errors.New("qmp: command timed out")
	}
}

func qmpError(v interface{}) error {

	if m, ok := v.(map[string]interface{}); ok {
		if desc, ok := m["desc"].(string); ok {
			return errors.New("qmp: " + desc)
		}
	}
	return errors.New("qmp: command failed")
}

func (q *qmpConn) queryStatus() (string, error) {
	v, err := q.execute("query-status", nil)
	if err != nil {
		return "", err
	}
	ret, _ := v["return"].(map[string]interface{})
	status, _ := ret["status"].(string)
	return status, nil
}

func (q *qmpConn) cont() error {
	_, err := q.execute("cont", nil)
	return err
}

func (q *qmpConn) stop() error {
	_, err := q.execute("stop", nil)
	return err
}

func (q *qmpConn) systemReset() error {
	_, err := q.execute("system_reset", nil)
	return err
}

func (q *qmpConn) quit() error {
	_, err := q.execute("quit", nil)
	return err
}

// blockdevAdd + deviceAdd hot-plug a disk. blockdevDel + deviceDel
// hot-unplug it. Order matches SPEC_FULL.md §4.6.1: device then backend on
// teardown, backend then device on attach.
func (q *qmpConn) blockdevAdd(nodeName, path string, readonly bool) error {
	_, err := q.execute("blockdev-add", map[string]interface{}{
		"node-name": nodeName,
		"driver":    "qcow2",
		"read-only": readonly,
		"file": map[string]interface{}{
			"driver":   "file",
			"filename": path,
		},
	})
	return err
}

func (q *qmpConn) deviceAdd(driver, id, nodeName string) error {
	_, err := q.execute("device_add", map[string]interface{}{
		"driver":  driver,
		"id":      id,
		"drive":   nodeName,
	})
	return err
}

func (q *qmpConn) deviceDel(id string) error {
	_, err := q.execute("device_del", map[string]interface{}{"id": id})
	return err
}

func (q *qmpConn) blockdevDel(nodeName string) error {
	_, err := q.execute("blockdev-del", map[string]interface{}{"node-name": nodeName})
	return err
}

func (q *qmpConn) close() {
	q.conn.Close()
}
