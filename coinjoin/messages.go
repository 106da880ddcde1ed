// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Protocol command strings for the CoinJoin payloads.  The network layer
// uses these to frame and dispatch messages; this package only defines the
// payload encodings.
const (
	CmdAccept           = "dsa"
	CmdQueue            = "dsq"
	CmdStatusUpdate     = "dssu"
	CmdEntry            = "dsi"
	CmdFinalTransaction = "dsf"
	CmdSignedInputs     = "dss"
	CmdComplete         = "dsc"
	CmdBroadcastTx      = "dstx"
)

const (
	// pver is the protocol version passed to the varint and varbytes
	// primitives.  The CoinJoin payload encodings do not vary with the
	// peer protocol version.
	pver = 0

	// maxSignatureSize is the largest signature accepted in dsq and dstx
	// payloads.  BLS signatures are 96 bytes; the bound leaves headroom
	// for wrapped encodings.
	maxSignatureSize = 1024

	// maxScriptSize is the largest script accepted in serialized inputs
	// and outputs.
	maxScriptSize = 10000

	// maxListSize bounds the input and output counts in dsi and dss
	// payloads.
	maxListSize = 2048
)

// Message is the interface implemented by every CoinJoin wire payload.
// Serialize and Deserialize are exact inverses; the concrete framing
// (command string, checksum) is the network layer's concern.
type Message interface {
	Command() string
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

// Accept requests admission to a coordinator's mixing queue at a single
// denomination, posting the collateral transaction as the anti-DoS bond.
type Accept struct {
	Denomination uint32
	Collateral   wire.MsgTx
}

// Command returns the protocol command string of the message.
func (m *Accept) Command() string { return CmdAccept }

// Serialize encodes the message to w.
func (m *Accept) Serialize(w io.Writer) error {
	if err := putUint32(w, m.Denomination); err != nil {
		return err
	}
	return m.Collateral.Serialize(w)
}

// Deserialize decodes the message from r.
func (m *Accept) Deserialize(r io.Reader) error {
	var err error
	if m.Denomination, err = readUint32(r); err != nil {
		return err
	}
	return m.Collateral.Deserialize(r)
}

// Queue is a coordinator's public advertisement that a mixing session at
// the given denomination is open (or, when Ready is set, about to start).
// The signature is a BLS signature by the coordinator's operator key over
// the first four fields.
type Queue struct {
	Denomination  uint32
	CoordOutpoint wire.OutPoint
	Time          int64
	Ready         bool
	Signature     []byte

	// Tried is memory only: it marks a queue the local client has
	// already attempted to join so it is never attempted twice.
	Tried bool
}

// Command returns the protocol command string of the message.
func (m *Queue) Command() string { return CmdQueue }

// Serialize encodes the message to w.
func (m *Queue) Serialize(w io.Writer) error {
	if err := m.serializeSigned(w); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, m.Signature)
}

// Deserialize decodes the message from r.
func (m *Queue) Deserialize(r io.Reader) error {
	var err error
	if m.Denomination, err = readUint32(r); err != nil {
		return err
	}
	if err = readOutPoint(r, &m.CoordOutpoint); err != nil {
		return err
	}
	if m.Time, err = readInt64(r); err != nil {
		return err
	}
	if m.Ready, err = readBool(r); err != nil {
		return err
	}
	m.Signature, err = wire.ReadVarBytes(r, pver, maxSignatureSize,
		"signature")
	return err
}

// serializeSigned writes the signed portion of the queue message: all
// fields except the signature itself.
func (m *Queue) serializeSigned(w io.Writer) error {
	if err := putUint32(w, m.Denomination); err != nil {
		return err
	}
	if err := writeOutPoint(w, &m.CoordOutpoint); err != nil {
		return err
	}
	if err := putInt64(w, m.Time); err != nil {
		return err
	}
	return putBool(w, m.Ready)
}

// SignatureHash returns the double-SHA256 digest the queue signature
// commits to.
func (m *Queue) SignatureHash() chainhash.Hash {
	var buf []byte
	b := newByteWriter(&buf)
	if err := m.serializeSigned(b); err != nil {
		// Writing to a byte slice cannot fail.
		panic(err)
	}
	return chainhash.DoubleHashH(buf)
}

// OutOfBounds reports whether the queue's timestamp is outside the validity
// window around now (unix seconds), in either direction.
func (m *Queue) OutOfBounds(now int64) bool {
	return now-m.Time > QueueTimeout || m.Time-now > QueueTimeout
}

// String returns a condensed one-line form of the queue for logs.
func (m *Queue) String() string {
	return fmt.Sprintf("Queue(denom=%s[%d], time=%d, ready=%v, "+
		"coordinator=%s)", DenominationToString(m.Denomination),
		m.Denomination, m.Time, m.Ready, m.CoordOutpoint.String())
}

// StatusUpdate is a coordinator's report on the session: the pool state it
// believes the client is in, whether the client's last step was accepted,
// and a message identifier carrying the reason.
type StatusUpdate struct {
	SessionID int32
	State     PoolState
	Status    PoolStatusUpdate
	MessageID PoolMessage
}

// Command returns the protocol command string of the message.
func (m *StatusUpdate) Command() string { return CmdStatusUpdate }

// Serialize encodes the message to w.
func (m *StatusUpdate) Serialize(w io.Writer) error {
	for _, v := range []int32{
		m.SessionID, int32(m.State), int32(m.Status), int32(m.MessageID),
	} {
		if err := putInt32(w, v); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize decodes the message from r.
func (m *StatusUpdate) Deserialize(r io.Reader) error {
	vals := make([]int32, 4)
	for i := range vals {
		v, err := readInt32(r)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	m.SessionID = vals[0]
	m.State = PoolState(vals[1])
	m.Status = PoolStatusUpdate(vals[2])
	m.MessageID = PoolMessage(vals[3])
	return nil
}

// Entry is the client's contribution to a mix: the inputs it will spend,
// the denominated outputs it wants back, and the collateral transaction
// the coordinator may claim on misbehavior.
type Entry struct {
	Inputs     []*wire.TxIn
	Outputs    []*wire.TxOut
	Collateral wire.MsgTx
}

// Command returns the protocol command string of the message.
func (m *Entry) Command() string { return CmdEntry }

// Serialize encodes the message to w.
func (m *Entry) Serialize(w io.Writer) error {
	if err := writeTxInList(w, m.Inputs); err != nil {
		return err
	}
	if err := m.Collateral.Serialize(w); err != nil {
		return err
	}
	return writeTxOutList(w, m.Outputs)
}

// Deserialize decodes the message from r.
func (m *Entry) Deserialize(r io.Reader) error {
	var err error
	if m.Inputs, err = readTxInList(r); err != nil {
		return err
	}
	if err = m.Collateral.Deserialize(r); err != nil {
		return err
	}
	m.Outputs, err = readTxOutList(r)
	return err
}

// FinalTransaction carries the fully assembled mix for the client to
// verify and sign.
type FinalTransaction struct {
	SessionID int32
	Tx        wire.MsgTx
}

// Command returns the protocol command string of the message.
func (m *FinalTransaction) Command() string { return CmdFinalTransaction }

// Serialize encodes the message to w.
func (m *FinalTransaction) Serialize(w io.Writer) error {
	if err := putInt32(w, m.SessionID); err != nil {
		return err
	}
	return m.Tx.Serialize(w)
}

// Deserialize decodes the message from r.
func (m *FinalTransaction) Deserialize(r io.Reader) error {
	var err error
	if m.SessionID, err = readInt32(r); err != nil {
		return err
	}
	return m.Tx.Deserialize(r)
}

// SignedInputs returns the client's signatures for its own inputs of the
// final transaction.
type SignedInputs struct {
	Inputs []*wire.TxIn
}

// Command returns the protocol command string of the message.
func (m *SignedInputs) Command() string { return CmdSignedInputs }

// Serialize encodes the message to w.
func (m *SignedInputs) Serialize(w io.Writer) error {
	return writeTxInList(w, m.Inputs)
}

// Deserialize decodes the message from r.
func (m *SignedInputs) Deserialize(r io.Reader) error {
	var err error
	m.Inputs, err = readTxInList(r)
	return err
}

// Complete announces the outcome of the session.
type Complete struct {
	SessionID int32
	MessageID PoolMessage
}

// Command returns the protocol command string of the message.
func (m *Complete) Command() string { return CmdComplete }

// Serialize encodes the message to w.
func (m *Complete) Serialize(w io.Writer) error {
	if err := putInt32(w, m.SessionID); err != nil {
		return err
	}
	return putInt32(w, int32(m.MessageID))
}

// Deserialize decodes the message from r.
func (m *Complete) Deserialize(r io.Reader) error {
	var err error
	if m.SessionID, err = readInt32(r); err != nil {
		return err
	}
	v, err := readInt32(r)
	if err != nil {
		return err
	}
	m.MessageID = PoolMessage(v)
	return nil
}

// BroadcastTx is a coordinator's announcement of a completed mix it has
// submitted to the network, signed by its operator key over the txid,
// outpoint and timestamp.
type BroadcastTx struct {
	Tx            wire.MsgTx
	CoordOutpoint wire.OutPoint
	Time          int64
	Signature     []byte
}

// Command returns the protocol command string of the message.
func (m *BroadcastTx) Command() string { return CmdBroadcastTx }

// Serialize encodes the message to w.
func (m *BroadcastTx) Serialize(w io.Writer) error {
	if err := m.Tx.Serialize(w); err != nil {
		return err
	}
	if err := writeOutPoint(w, &m.CoordOutpoint); err != nil {
		return err
	}
	if err := putInt64(w, m.Time); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, m.Signature)
}

// Deserialize decodes the message from r.
func (m *BroadcastTx) Deserialize(r io.Reader) error {
	if err := m.Tx.Deserialize(r); err != nil {
		return err
	}
	if err := readOutPoint(r, &m.CoordOutpoint); err != nil {
		return err
	}
	var err error
	if m.Time, err = readInt64(r); err != nil {
		return err
	}
	m.Signature, err = wire.ReadVarBytes(r, pver, maxSignatureSize,
		"signature")
	return err
}

// SignatureHash returns the double-SHA256 digest the broadcast signature
// commits to.
func (m *BroadcastTx) SignatureHash() chainhash.Hash {
	var buf []byte
	b := newByteWriter(&buf)
	txHash := m.Tx.TxHash()
	b.Write(txHash[:])
	if err := writeOutPoint(b, &m.CoordOutpoint); err != nil {
		panic(err)
	}
	if err := putInt64(b, m.Time); err != nil {
		panic(err)
	}
	return chainhash.DoubleHashH(buf)
}

// Compile-time checks that every payload implements Message.
var (
	_ Message = (*Accept)(nil)
	_ Message = (*Queue)(nil)
	_ Message = (*StatusUpdate)(nil)
	_ Message = (*Entry)(nil)
	_ Message = (*FinalTransaction)(nil)
	_ Message = (*SignedInputs)(nil)
	_ Message = (*Complete)(nil)
	_ Message = (*BroadcastTx)(nil)
)

// byteWriter appends to a caller-owned byte slice and never fails.
type byteWriter struct {
	buf *[]byte
}

func newByteWriter(buf *[]byte) *byteWriter {
	return &byteWriter{buf: buf}
}

// Write implements io.Writer.
func (b *byteWriter) Write(p []byte) (int, error) {
	*b.buf = append(*b.buf, p...)
	return len(p), nil
}

func putUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func putInt32(w io.Writer, v int32) error {
	return putUint32(w, uint32(v))
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func putInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func putBool(w io.Writer, v bool) error {
	b := [1]byte{0}
	if v {
		b[0] = 1
	}
	_, err := w.Write(b[:])
	return err
}

func readBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

func writeOutPoint(w io.Writer, op *wire.OutPoint) error {
	if _, err := w.Write(op.Hash[:]); err != nil {
		return err
	}
	return putUint32(w, op.Index)
}

func readOutPoint(r io.Reader, op *wire.OutPoint) error {
	if _, err := io.ReadFull(r, op.Hash[:]); err != nil {
		return err
	}
	var err error
	op.Index, err = readUint32(r)
	return err
}

func writeTxIn(w io.Writer, ti *wire.TxIn) error {
	if err := writeOutPoint(w, &ti.PreviousOutPoint); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, ti.SignatureScript); err != nil {
		return err
	}
	return putUint32(w, ti.Sequence)
}

func readTxIn(r io.Reader) (*wire.TxIn, error) {
	ti := &wire.TxIn{}
	if err := readOutPoint(r, &ti.PreviousOutPoint); err != nil {
		return nil, err
	}
	var err error
	ti.SignatureScript, err = wire.ReadVarBytes(r, pver, maxScriptSize,
		"signature script")
	if err != nil {
		return nil, err
	}
	ti.Sequence, err = readUint32(r)
	if err != nil {
		return nil, err
	}
	return ti, nil
}

func writeTxInList(w io.Writer, ins []*wire.TxIn) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(ins))); err != nil {
		return err
	}
	for _, ti := range ins {
		if err := writeTxIn(w, ti); err != nil {
			return err
		}
	}
	return nil
}

func readTxInList(r io.Reader) ([]*wire.TxIn, error) {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if count > maxListSize {
		return nil, fmt.Errorf("too many inputs in payload: %d", count)
	}
	ins := make([]*wire.TxIn, 0, count)
	for i := uint64(0); i < count; i++ {
		ti, err := readTxIn(r)
		if err != nil {
			return nil, err
		}
		ins = append(ins, ti)
	}
	return ins, nil
}

func writeTxOut(w io.Writer, to *wire.TxOut) error {
	if err := putInt64(w, to.Value); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, to.PkScript)
}

func readTxOut(r io.Reader) (*wire.TxOut, error) {
	to := &wire.TxOut{}
	var err error
	if to.Value, err = readInt64(r); err != nil {
		return nil, err
	}
	to.PkScript, err = wire.ReadVarBytes(r, pver, maxScriptSize,
		"pk script")
	if err != nil {
		return nil, err
	}
	return to, nil
}

func writeTxOutList(w io.Writer, outs []*wire.TxOut) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(outs))); err != nil {
		return err
	}
	for _, to := range outs {
		if err := writeTxOut(w, to); err != nil {
			return err
		}
	}
	return nil
}

func readTxOutList(r io.Reader) ([]*wire.TxOut, error) {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if count > maxListSize {
		return nil, fmt.Errorf("too many outputs in payload: %d", count)
	}
	outs := make([]*wire.TxOut, 0, count)
	for i := uint64(0); i < count; i++ {
		to, err := readTxOut(r)
		if err != nil {
			return nil, err
		}
		outs = append(outs, to)
	}
	return outs, nil
}
