package rpc

import (
	stderrors "errors"

	"github.com/capwire/capwire"
	"github.com/capwire/capwire/errors"
)

// The protocol's own messages are capwire structs, read and written
// through hand-written accessors. The root struct has one data word
// holding the variant discriminant and one pointer to the variant
// body.
//
//	message       {1 data, 1 ptr}  which u16@0; ptr0 body
//	bootstrap     {1 data, 0 ptr}  questionID u32@0
//	call          {2 data, 2 ptr}  questionID u32@0, methodID u16@4,
//	                               interfaceID u64@8; ptr0 target,
//	                               ptr1 payload
//	return        {1 data, 1 ptr}  answerID u32@0, which u16@4;
//	                               ptr0 payload | exception
//	finish        {1 data, 0 ptr}  questionID u32@0, release bit@32
//	resolve       {1 data, 1 ptr}  promiseID u32@0, which u16@4;
//	                               ptr0 capDescriptor | exception
//	release       {1 data, 0 ptr}  id u32@0, refCount u32@4
//	disembargo    {1 data, 1 ptr}  embargoID u32@0, which u16@4;
//	                               ptr0 target
//	exception     {1 data, 1 ptr}  kind u16@0; ptr0 reason text
//	target        {1 data, 1 ptr}  which u16@0, importedCap u32@4;
//	                               ptr0 promisedAnswer
//	promisedAnswer{1 data, 1 ptr}  questionID u32@0; ptr0 transform
//	                               (2-byte element list)
//	payload       {0 data, 2 ptr}  ptr0 content; ptr1 capTable
//	                               (composite of capDescriptor)
//	capDescriptor {1 data, 1 ptr}  which u16@0, id u32@4;
//	                               ptr0 promisedAnswer
type msgWhich uint16

const (
	msgUnimplemented msgWhich = iota
	msgAbort
	msgBootstrap
	msgCall
	msgReturn
	msgFinish
	msgResolve
	msgRelease
	msgDisembargo
)

func (w msgWhich) String() string {
	switch w {
	case msgUnimplemented:
		return "unimplemented"
	case msgAbort:
		return "abort"
	case msgBootstrap:
		return "bootstrap"
	case msgCall:
		return "call"
	case msgReturn:
		return "return"
	case msgFinish:
		return "finish"
	case msgResolve:
		return "resolve"
	case msgRelease:
		return "release"
	case msgDisembargo:
		return "disembargo"
	}
	return "unknown"
}

const (
	returnResults uint16 = iota
	returnException
	returnCanceled
)

const (
	resolveCap uint16 = iota
	resolveException
)

const (
	targetImportedCap uint16 = iota
	targetPromisedAnswer
)

const (
	disembargoSenderLoopback uint16 = iota
	disembargoReceiverLoopback
)

const (
	capDescNone uint16 = iota
	capDescSenderHosted
	capDescSenderPromise
	capDescReceiverHosted
	capDescReceiverAnswer
)

var (
	messageSize        = capwire.ObjectSize{DataWords: 1, PointerCount: 1}
	bootstrapSize      = capwire.ObjectSize{DataWords: 1}
	callSize           = capwire.ObjectSize{DataWords: 2, PointerCount: 2}
	returnSize         = capwire.ObjectSize{DataWords: 1, PointerCount: 1}
	finishSize         = capwire.ObjectSize{DataWords: 1}
	resolveSize        = capwire.ObjectSize{DataWords: 1, PointerCount: 1}
	releaseSize        = capwire.ObjectSize{DataWords: 1}
	disembargoSize     = capwire.ObjectSize{DataWords: 1, PointerCount: 1}
	exceptionSize      = capwire.ObjectSize{DataWords: 1, PointerCount: 1}
	targetSize         = capwire.ObjectSize{DataWords: 1, PointerCount: 1}
	promisedAnswerSize = capwire.ObjectSize{DataWords: 1, PointerCount: 1}
	payloadSize        = capwire.ObjectSize{PointerCount: 2}
	capDescriptorSize  = capwire.ObjectSize{DataWords: 1, PointerCount: 1}
)

// newProtoMessage allocates a fresh outgoing protocol message with the
// given discriminant, returning the variant body struct.
func newProtoMessage(which msgWhich, bodySize capwire.ObjectSize) (*capwire.Message, capwire.Struct, error) {
	m, err := capwire.NewMessage(capwire.SingleSegment(nil))
	if err != nil {
		return nil, capwire.Struct{}, err
	}
	root, err := capwire.NewRootStruct(m, messageSize)
	if err != nil {
		return nil, capwire.Struct{}, err
	}
	root.SetUint16(0, uint16(which))
	body, err := capwire.NewStruct(root.Segment(), bodySize)
	if err != nil {
		return nil, capwire.Struct{}, err
	}
	if err := root.SetPtr(0, body.ToPtr()); err != nil {
		return nil, capwire.Struct{}, err
	}
	return m, body, nil
}

// protoBody reads an incoming message's discriminant and variant body.
func protoBody(m *capwire.Message) (msgWhich, capwire.Struct, error) {
	root, err := m.RootStruct()
	if err != nil {
		return 0, capwire.Struct{}, err
	}
	which := msgWhich(root.Uint16(0))
	p, err := root.Ptr(0)
	if err != nil {
		return 0, capwire.Struct{}, err
	}
	return which, p.Struct(), nil
}

// setException fills slot i of body with an exception struct carrying
// err's kind and text.
func setException(body capwire.Struct, i uint16, callErr error) error {
	seg := body.Segment()
	exc, err := capwire.NewStruct(seg, exceptionSize)
	if err != nil {
		return err
	}
	kind := errors.KindApplication
	var e *errors.Error
	if stderrors.As(callErr, &e) {
		kind = e.Kind
	}
	exc.SetUint16(0, exceptionKindCode(kind))
	if err := exc.SetText(0, callErr.Error()); err != nil {
		return err
	}
	return body.SetPtr(i, exc.ToPtr())
}

// readException turns an exception struct back into an error.
func readException(exc capwire.Struct) error {
	reason, err := exc.Text(0)
	if err != nil || reason == "" {
		reason = "remote exception"
	}
	return &errors.Error{
		Phase:  errors.PhaseRPC,
		Kind:   exceptionKind(exc.Uint16(0)),
		Detail: reason,
	}
}

func exceptionKindCode(k errors.Kind) uint16 {
	switch k {
	case errors.KindUnimplemented:
		return 1
	case errors.KindCanceled:
		return 2
	case errors.KindDisconnected:
		return 3
	case errors.KindProtocol:
		return 4
	}
	return 0
}

func exceptionKind(code uint16) errors.Kind {
	switch code {
	case 1:
		return errors.KindUnimplemented
	case 2:
		return errors.KindCanceled
	case 3:
		return errors.KindDisconnected
	case 4:
		return errors.KindProtocol
	}
	return errors.KindApplication
}

// setTarget writes a message target into slot i of body.
func setTarget(body capwire.Struct, i uint16, importID uint32, isImport bool, questionID uint32, transform []capwire.PipelineOp) error {
	seg := body.Segment()
	tgt, err := capwire.NewStruct(seg, targetSize)
	if err != nil {
		return err
	}
	if isImport {
		tgt.SetUint16(0, targetImportedCap)
		tgt.SetUint32(4, importID)
		return body.SetPtr(i, tgt.ToPtr())
	}
	tgt.SetUint16(0, targetPromisedAnswer)
	pa, err := capwire.NewStruct(seg, promisedAnswerSize)
	if err != nil {
		return err
	}
	pa.SetUint32(0, questionID)
	if len(transform) > 0 {
		ops, err := capwire.NewList(seg, capwire.ElemSize2Byte, int32(len(transform)))
		if err != nil {
			return err
		}
		for j, op := range transform {
			if err := ops.SetUint16(j, op.Field); err != nil {
				return err
			}
		}
		if err := pa.SetPtr(0, ops.ToPtr()); err != nil {
			return err
		}
	}
	if err := tgt.SetPtr(0, pa.ToPtr()); err != nil {
		return err
	}
	return body.SetPtr(i, tgt.ToPtr())
}

// readTarget decodes a message target struct.
func readTarget(tgt capwire.Struct) (importID uint32, isImport bool, questionID uint32, transform []capwire.PipelineOp, err error) {
	if !tgt.IsValid() {
		return 0, false, 0, nil, errors.Protocol("message target missing")
	}
	switch tgt.Uint16(0) {
	case targetImportedCap:
		return tgt.Uint32(4), true, 0, nil, nil
	case targetPromisedAnswer:
		p, err := tgt.Ptr(0)
		if err != nil {
			return 0, false, 0, nil, err
		}
		pa := p.Struct()
		if !pa.IsValid() {
			return 0, false, 0, nil, errors.Protocol("promised answer target missing")
		}
		questionID, transform, err = readPromisedAnswer(pa)
		return 0, false, questionID, transform, err
	default:
		return 0, false, 0, nil, errors.Protocol("unknown message target variant %d", tgt.Uint16(0))
	}
}

// readPromisedAnswer decodes a promisedAnswer struct into its question
// id and transform path.
func readPromisedAnswer(pa capwire.Struct) (uint32, []capwire.PipelineOp, error) {
	tp, err := pa.Ptr(0)
	if err != nil {
		return 0, nil, err
	}
	var ops []capwire.PipelineOp
	if tp.IsList() {
		l := tp.List()
		ops = make([]capwire.PipelineOp, l.Len())
		for i := range ops {
			f, err := l.Uint16(i)
			if err != nil {
				return 0, nil, err
			}
			ops[i] = capwire.PipelineOp{Field: f}
		}
	}
	return pa.Uint32(0), ops, nil
}
