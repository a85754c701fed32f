package ccp

import "encoding/binary"

// FrameKind discriminates an inbound DTO frame by its first payload byte.
type FrameKind int

const (
	FrameCRM FrameKind = iota
	FrameEvent
	FrameDAQ
)

// CRO is a master-to-slave Command Receive Object: eight bytes, command
// code, counter, and up to six parameter bytes.
type CRO struct {
	Command CommandCode
	CTR     byte
	Params  [6]byte
}

// Encode serializes a CRO to its fixed 8-byte CAN payload.
func (c CRO) Encode() [8]byte {
	var out [8]byte
	out[0] = byte(c.Command)
	out[1] = c.CTR
	copy(out[2:], c.Params[:])
	return out
}

// CRM is a slave-to-master Command Return Message: pid 0xFF, a command
// return code (CRC_ERR), the echoed counter, and up to five return bytes.
type CRM struct {
	CrcErr byte
	CTR    byte
	Data   [5]byte
}

// EventMessage is a slave-to-master Event Message: pid 0xFE plus an event
// code and free-form payload.
type EventMessage struct {
	EventCode byte
	Data      [6]byte
}

// DAQFrame is an inbound DAQ-DTO: an ODT number followed by up to 7 data
// bytes.
type DAQFrame struct {
	ODTNumber byte
	Data      [7]byte
}

// Classify inspects payload[0] to determine the frame kind: pid==0xFF is a
// CRM, pid==0xFE is an Event, anything else is a DAQ-DTO.
func Classify(payload [8]byte) FrameKind {
	switch payload[0] {
	case pidCRM:
		return FrameCRM
	case pidEVM:
		return FrameEvent
	default:
		return FrameDAQ
	}
}

// DecodeCRM parses payload as a Command Return Message. Caller must have
// already classified the frame as FrameCRM.
func DecodeCRM(payload [8]byte) (CRM, error) {
	if payload[0] != pidCRM {
		return CRM{}, &DecodeError{Offset: 0, Reason: "not a CRM (pid != 0xFF)"}
	}
	var crm CRM
	crm.CrcErr = payload[1]
	crm.CTR = payload[2]
	copy(crm.Data[:], payload[3:8])
	return crm, nil
}

// DecodeEvent parses payload as an Event Message.
func DecodeEvent(payload [8]byte) (EventMessage, error) {
	if payload[0] != pidEVM {
		return EventMessage{}, &DecodeError{Offset: 0, Reason: "not an event message (pid != 0xFE)"}
	}
	var ev EventMessage
	ev.EventCode = payload[1]
	copy(ev.Data[:], payload[2:8])
	return ev, nil
}

// DecodeDAQ parses payload as a DAQ-DTO. Caller must have classified the
// frame as FrameDAQ (i.e. payload[0] is neither 0xFF nor 0xFE).
func DecodeDAQ(payload [8]byte) DAQFrame {
	var f DAQFrame
	f.ODTNumber = payload[0]
	copy(f.Data[:], payload[1:8])
	return f
}

// putUint writes v into dst using the given byte order, truncated/sized to
// len(dst) bytes (1, 2 or 4).
func putUint(dst []byte, v uint32, order ByteOrder) {
	switch len(dst) {
	case 1:
		dst[0] = byte(v)
	case 2:
		if order == LittleEndian {
			binary.LittleEndian.PutUint16(dst, uint16(v))
		} else {
			binary.BigEndian.PutUint16(dst, uint16(v))
		}
	case 4:
		if order == LittleEndian {
			binary.LittleEndian.PutUint32(dst, v)
		} else {
			binary.BigEndian.PutUint32(dst, v)
		}
	}
}

// buildConnect encodes CONNECT. Station address is always little-endian
// regardless of the session's configured byte order.
func buildConnect(ctr byte, station uint16) CRO {
	var params [6]byte
	binary.LittleEndian.PutUint16(params[0:2], station)
	return CRO{Command: CmdConnect, CTR: ctr, Params: params}
}

func buildSetMTA(ctr byte, mtaNumber byte, extension byte, address uint32, order ByteOrder) CRO {
	var params [6]byte
	params[0] = mtaNumber
	params[1] = extension
	putUint(params[2:6], address, order)
	return CRO{Command: CmdSetMTA, CTR: ctr, Params: params}
}

func buildDnload(ctr byte, data []byte) (CRO, error) {
	if len(data) > 5 {
		return CRO{}, &EncodeError{Field: "size", Reason: "DNLOAD payload must be <= 5 bytes"}
	}
	var params [6]byte
	params[0] = byte(len(data))
	copy(params[1:], data)
	return CRO{Command: CmdDnload, CTR: ctr, Params: params}, nil
}

func buildDnload6(ctr byte, data []byte) (CRO, error) {
	if len(data) == 0 || len(data) > 6 {
		return CRO{}, &EncodeError{Field: "size", Reason: "DNLOAD_6 payload must be 1..6 bytes"}
	}
	var params [6]byte
	copy(params[:], data)
	return CRO{Command: CmdDnload6, CTR: ctr, Params: params}, nil
}

func buildUpload(ctr byte, size byte) (CRO, error) {
	if size > 5 {
		return CRO{}, &EncodeError{Field: "size", Reason: "UPLOAD size must be <= 5"}
	}
	var params [6]byte
	params[0] = size
	return CRO{Command: CmdUpload, CTR: ctr, Params: params}, nil
}

func buildShortUp(ctr byte, size byte, extension byte, address uint32, order ByteOrder) (CRO, error) {
	if size > 5 {
		return CRO{}, &EncodeError{Field: "size", Reason: "SHORT_UP size must be <= 5"}
	}
	var params [6]byte
	params[0] = size
	params[1] = extension
	putUint(params[2:6], address, order)
	return CRO{Command: CmdShortUp, CTR: ctr, Params: params}, nil
}

func buildGetDaqSize(ctr byte, daqList byte, dtoID uint32, order ByteOrder) CRO {
	var params [6]byte
	params[0] = daqList
	putUint(params[2:6], dtoID, order)
	return CRO{Command: CmdGetDaqSize, CTR: ctr, Params: params}
}

func buildSetDaqPtr(ctr byte, daqList byte, odt byte, elementIdx byte) CRO {
	var params [6]byte
	params[0] = daqList
	params[1] = odt
	params[2] = elementIdx
	return CRO{Command: CmdSetDaqPtr, CTR: ctr, Params: params}
}

func buildWriteDaq(ctr byte, size byte, extension byte, address uint32, order ByteOrder) CRO {
	var params [6]byte
	params[0] = size
	params[1] = extension
	putUint(params[2:6], address, order)
	return CRO{Command: CmdWriteDaq, CTR: ctr, Params: params}
}

func buildStartStop(ctr byte, mode StartStopMode, daqList byte, lastODT byte, eventChannel byte, prescaler byte) CRO {
	var params [6]byte
	params[0] = byte(mode)
	params[1] = daqList
	params[2] = lastODT
	params[3] = eventChannel
	params[4] = prescaler
	return CRO{Command: CmdStartStop, CTR: ctr, Params: params}
}

func buildStartStopAll(ctr byte, mode StartStopMode) CRO {
	var params [6]byte
	params[0] = byte(mode)
	return CRO{Command: CmdStartStopAll, CTR: ctr, Params: params}
}

func buildDisconnect(ctr byte, kind DisconnectType, station uint16) CRO {
	var params [6]byte
	params[0] = byte(kind)
	binary.LittleEndian.PutUint16(params[2:4], station)
	return CRO{Command: CmdDisconnect, CTR: ctr, Params: params}
}

func buildExchangeID(ctr byte, masterID []byte) CRO {
	var params [6]byte
	copy(params[:], masterID)
	return CRO{Command: CmdExchangeID, CTR: ctr, Params: params}
}

func buildGetSeed(ctr byte, resource byte) CRO {
	var params [6]byte
	params[0] = resource
	return CRO{Command: CmdGetSeed, CTR: ctr, Params: params}
}

func buildUnlock(ctr byte, key []byte) (CRO, error) {
	if len(key) > 6 {
		return CRO{}, &EncodeError{Field: "key", Reason: "UNLOCK key must be <= 6 bytes"}
	}
	var params [6]byte
	copy(params[:], key)
	return CRO{Command: CmdUnlock, CTR: ctr, Params: params}, nil
}

func buildGetCCPVersion(ctr byte, major, minor byte) CRO {
	var params [6]byte
	params[0] = major
	params[1] = minor
	return CRO{Command: CmdGetCCPVersion, CTR: ctr, Params: params}
}

func buildSetSStatus(ctr byte, status byte) CRO {
	var params [6]byte
	params[0] = status
	return CRO{Command: CmdSetSStatus, CTR: ctr, Params: params}
}

func buildClearMemory(ctr byte, size uint32, order ByteOrder) CRO {
	var params [6]byte
	putUint(params[0:4], size, order)
	return CRO{Command: CmdClearMemory, CTR: ctr, Params: params}
}

func buildSelectCalPage(ctr byte) CRO {
	return CRO{Command: CmdSelectCalPage, CTR: ctr}
}

func buildGetActiveCalPage(ctr byte) CRO {
	return CRO{Command: CmdGetActiveCalPage, CTR: ctr}
}

func buildProgram(ctr byte, data []byte) (CRO, error) {
	if len(data) > 5 {
		return CRO{}, &EncodeError{Field: "size", Reason: "PROGRAM payload must be <= 5 bytes"}
	}
	var params [6]byte
	params[0] = byte(len(data))
	copy(params[1:], data)
	return CRO{Command: CmdProgram, CTR: ctr, Params: params}, nil
}

func buildProgram6(ctr byte, data []byte) (CRO, error) {
	if len(data) == 0 || len(data) > 6 {
		return CRO{}, &EncodeError{Field: "size", Reason: "PROGRAM_6 payload must be 1..6 bytes"}
	}
	var params [6]byte
	copy(params[:], data)
	return CRO{Command: CmdProgram6, CTR: ctr, Params: params}, nil
}

func buildMove(ctr byte, size uint32, order ByteOrder) CRO {
	var params [6]byte
	putUint(params[0:4], size, order)
	return CRO{Command: CmdMove, CTR: ctr, Params: params}
}
