package oncrpc

import (
	"errors"
	"fmt"
)

const (
	rpcVersion = 2

	msgCall  = 0
	msgReply = 1

	replyAccepted = 0
	replyDenied   = 1

	rejectRPCMismatch = 0
	rejectAuthError   = 1

	maxAuthBytes = 400
)

// AuthNone is the null authentication flavor.
const AuthNone = 0

// AcceptStat is the status of an accepted call.
type AcceptStat uint32

const (
	Success      AcceptStat = 0
	ProgUnavail  AcceptStat = 1
	ProgMismatch AcceptStat = 2
	ProcUnavail  AcceptStat = 3
	GarbageArgs  AcceptStat = 4
	SystemErr    AcceptStat = 5
)

func (s AcceptStat) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case ProgUnavail:
		return "PROG_UNAVAIL"
	case ProgMismatch:
		return "PROG_MISMATCH"
	case ProcUnavail:
		return "PROC_UNAVAIL"
	case GarbageArgs:
		return "GARBAGE_ARGS"
	case SystemErr:
		return "SYSTEM_ERR"
	default:
		return fmt.Sprintf("accept_stat(%d)", uint32(s))
	}
}

var (
	// ErrNotCall reports a message that is not an RPC call; it gets no reply.
	ErrNotCall = errors.New("rpc: not a call message")
	// ErrVersion reports a call with an RPC version other than 2.
	ErrVersion = errors.New("rpc: unsupported rpc version")
)

// OpaqueAuth is a credential or verifier.
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte
}

// Call is a decoded call header followed by its raw arguments.
type Call struct {
	XID       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Cred      OpaqueAuth
	Verf      OpaqueAuth
	Args      []byte
}

// ParseCall decodes a call message. On ErrVersion the returned Call carries
// the XID so the caller can send an RPC_MISMATCH rejection.
func ParseCall(msg []byte) (*Call, error) {
	d := NewDecoder(msg)
	xid, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	mtype, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if mtype != msgCall {
		return nil, ErrNotCall
	}
	call := &Call{XID: xid}
	vers, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if vers != rpcVersion {
		return call, ErrVersion
	}
	for _, field := range []*uint32{&call.Program, &call.Version, &call.Procedure} {
		if *field, err = d.Uint32(); err != nil {
			return nil, err
		}
	}
	if call.Cred, err = decodeAuth(d); err != nil {
		return nil, err
	}
	if call.Verf, err = decodeAuth(d); err != nil {
		return nil, err
	}
	call.Args = d.Rest()
	return call, nil
}

func decodeAuth(d *Decoder) (OpaqueAuth, error) {
	flavor, err := d.Uint32()
	if err != nil {
		return OpaqueAuth{}, err
	}
	body, err := d.Opaque(maxAuthBytes)
	if err != nil {
		return OpaqueAuth{}, err
	}
	return OpaqueAuth{Flavor: flavor, Body: body}, nil
}

func encodeAuth(e *Encoder, auth OpaqueAuth) {
	e.Uint32(auth.Flavor)
	e.Opaque(auth.Body)
}

// EncodeCall builds a call message with null credentials.
func EncodeCall(xid, prog, vers, proc uint32, args []byte) []byte {
	var e Encoder
	e.Uint32(xid)
	e.Uint32(msgCall)
	e.Uint32(rpcVersion)
	e.Uint32(prog)
	e.Uint32(vers)
	e.Uint32(proc)
	encodeAuth(&e, OpaqueAuth{Flavor: AuthNone})
	encodeAuth(&e, OpaqueAuth{Flavor: AuthNone})
	e.FixedOpaque(args)
	return e.Bytes()
}

func acceptedHeader(xid uint32, stat AcceptStat) *Encoder {
	e := &Encoder{}
	e.Uint32(xid)
	e.Uint32(msgReply)
	e.Uint32(replyAccepted)
	encodeAuth(e, OpaqueAuth{Flavor: AuthNone})
	e.Uint32(uint32(stat))
	return e
}

// SuccessReply wraps already-encoded results.
func SuccessReply(xid uint32, results []byte) []byte {
	e := acceptedHeader(xid, Success)
	e.FixedOpaque(results)
	return e.Bytes()
}

// ErrorReply builds an accepted reply with a non-success status.
func ErrorReply(xid uint32, stat AcceptStat) []byte {
	return acceptedHeader(xid, stat).Bytes()
}

// MismatchReply reports the supported version range of a program.
func MismatchReply(xid, low, high uint32) []byte {
	e := acceptedHeader(xid, ProgMismatch)
	e.Uint32(low)
	e.Uint32(high)
	return e.Bytes()
}

// VersionMismatchReply rejects a call that is not RPC version 2.
func VersionMismatchReply(xid uint32) []byte {
	var e Encoder
	e.Uint32(xid)
	e.Uint32(msgReply)
	e.Uint32(replyDenied)
	e.Uint32(rejectRPCMismatch)
	e.Uint32(rpcVersion)
	e.Uint32(rpcVersion)
	return e.Bytes()
}

// RejectedError reports a reply whose call was denied or not executed.
type RejectedError struct {
	Denied bool
	// Stat is the accept_stat for accepted replies, otherwise the reject_stat.
	Stat uint32
}

func (e *RejectedError) Error() string {
	if e.Denied {
		if e.Stat == rejectAuthError {
			return "rpc: call denied: auth error"
		}
		return "rpc: call denied: rpc version mismatch"
	}
	return "rpc: call failed: " + AcceptStat(e.Stat).String()
}

// ParseReply validates a reply to xid and returns its results. ok is false
// when msg is a reply to a different call.
func ParseReply(msg []byte, xid uint32) (results []byte, ok bool, err error) {
	d := NewDecoder(msg)
	gotXID, err := d.Uint32()
	if err != nil {
		return nil, false, err
	}
	if gotXID != xid {
		return nil, false, nil
	}
	mtype, err := d.Uint32()
	if err != nil {
		return nil, true, err
	}
	if mtype != msgReply {
		return nil, true, fmt.Errorf("rpc: unexpected message type %d", mtype)
	}
	stat, err := d.Uint32()
	if err != nil {
		return nil, true, err
	}
	if stat == replyDenied {
		reject, err := d.Uint32()
		if err != nil {
			return nil, true, err
		}
		return nil, true, &RejectedError{Denied: true, Stat: reject}
	}
	if _, err := decodeAuth(d); err != nil {
		return nil, true, err
	}
	accept, err := d.Uint32()
	if err != nil {
		return nil, true, err
	}
	if AcceptStat(accept) != Success {
		return nil, true, &RejectedError{Stat: accept}
	}
	return d.Rest(), true, nil
}
