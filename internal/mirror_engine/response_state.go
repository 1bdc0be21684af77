package mirror_engine

import (
	"fmt"

	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"
)

// ResponseState is the serialisable outcome of executing one operation. The
// primary compares its own against the secondary's and caches it for
// duplicate requests.
type ResponseState interface {
	Kind() OpKind
	Result() Result
	// ChangesObservableState decides whether the operation must be forwarded
	// to the secondary.
	ChangesObservableState() bool

	setResult(r Result)
	encodeFields(e *fieldEncoder)
	decodeFields(f *fieldSet)
}

// Field 1 of every response state is the result.
const stateFieldResult = 1

type baseState struct {
	Res Result
}

func (s *baseState) Result() Result               { return s.Res }
func (s *baseState) setResult(r Result)           { s.Res = r }
func (s *baseState) ChangesObservableState() bool { return s.Res == ResultSuccess }

type MkDirResponse struct {
	baseState
	EntryID   string
	Timestamp int64
}

func (*MkDirResponse) Kind() OpKind { return OpMkDir }

func (s *MkDirResponse) encodeFields(e *fieldEncoder) {
	e.str(2, s.EntryID)
	e.varint(3, s.Timestamp)
}

func (s *MkDirResponse) decodeFields(f *fieldSet) {
	s.EntryID = f.str(2)
	s.Timestamp = f.varint(3)
}

type CreateFileResponse struct {
	baseState
	EntryID   string
	Timestamp int64
}

func (*CreateFileResponse) Kind() OpKind { return OpCreateFile }

func (s *CreateFileResponse) encodeFields(e *fieldEncoder) {
	e.str(2, s.EntryID)
	e.varint(3, s.Timestamp)
}

func (s *CreateFileResponse) decodeFields(f *fieldSet) {
	s.EntryID = f.str(2)
	s.Timestamp = f.varint(3)
}

type UnlinkFileResponse struct {
	baseState
	RemovedID string
}

func (*UnlinkFileResponse) Kind() OpKind                   { return OpUnlinkFile }
func (s *UnlinkFileResponse) encodeFields(e *fieldEncoder) { e.str(2, s.RemovedID) }
func (s *UnlinkFileResponse) decodeFields(f *fieldSet)     { s.RemovedID = f.str(2) }

type RmDirResponse struct {
	baseState
	RemovedID string
}

func (*RmDirResponse) Kind() OpKind                   { return OpRmDir }
func (s *RmDirResponse) encodeFields(e *fieldEncoder) { e.str(2, s.RemovedID) }
func (s *RmDirResponse) decodeFields(f *fieldSet)     { s.RemovedID = f.str(2) }

type RenameResponse struct {
	baseState
	OverwrittenID string
}

func (*RenameResponse) Kind() OpKind                   { return OpRename }
func (s *RenameResponse) encodeFields(e *fieldEncoder) { e.str(2, s.OverwrittenID) }
func (s *RenameResponse) decodeFields(f *fieldSet)     { s.OverwrittenID = f.str(2) }

type SetAttrResponse struct {
	baseState
	ChangeTime int64
}

func (*SetAttrResponse) Kind() OpKind                   { return OpSetAttr }
func (s *SetAttrResponse) encodeFields(e *fieldEncoder) { e.varint(2, s.ChangeTime) }
func (s *SetAttrResponse) decodeFields(f *fieldSet)     { s.ChangeTime = f.varint(2) }

type OpenFileResponse struct {
	baseState
	HandleID string
}

func (*OpenFileResponse) Kind() OpKind                   { return OpOpenFile }
func (s *OpenFileResponse) encodeFields(e *fieldEncoder) { e.str(2, s.HandleID) }
func (s *OpenFileResponse) decodeFields(f *fieldSet)     { s.HandleID = f.str(2) }

type CloseFileResponse struct {
	baseState
}

func (*CloseFileResponse) Kind() OpKind              { return OpCloseFile }
func (*CloseFileResponse) encodeFields(*fieldEncoder) {}
func (*CloseFileResponse) decodeFields(*fieldSet)     {}

type FLockResponse struct {
	baseState
	Outcome ms.FLockOutcome
}

func (*FLockResponse) Kind() OpKind { return OpFLock }

// A refused or no-op lock request leaves nothing for the secondary to apply.
func (s *FLockResponse) ChangesObservableState() bool {
	return s.Res == ResultSuccess && s.Outcome.ChangesState()
}

func (s *FLockResponse) encodeFields(e *fieldEncoder) { e.uvarint(2, uint64(s.Outcome)) }
func (s *FLockResponse) decodeFields(f *fieldSet)     { s.Outcome = ms.FLockOutcome(f.uvarint(2)) }

type AckNotifyResponse struct {
	baseState
}

func (*AckNotifyResponse) Kind() OpKind                 { return OpAckNotify }
func (*AckNotifyResponse) ChangesObservableState() bool { return false }
func (*AckNotifyResponse) encodeFields(*fieldEncoder)   {}
func (*AckNotifyResponse) decodeFields(*fieldSet)       {}

func newResponseState(kind OpKind) (ResponseState, error) {
	switch kind {
	case OpMkDir:
		return &MkDirResponse{}, nil
	case OpCreateFile:
		return &CreateFileResponse{}, nil
	case OpUnlinkFile:
		return &UnlinkFileResponse{}, nil
	case OpRmDir:
		return &RmDirResponse{}, nil
	case OpRename:
		return &RenameResponse{}, nil
	case OpSetAttr:
		return &SetAttrResponse{}, nil
	case OpOpenFile:
		return &OpenFileResponse{}, nil
	case OpCloseFile:
		return &CloseFileResponse{}, nil
	case OpFLock:
		return &FLockResponse{}, nil
	case OpAckNotify:
		return &AckNotifyResponse{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpKind, uint8(kind))
	}
}

// errorState builds the response state of an operation that failed with r.
func errorState(kind OpKind, r Result) ResponseState {
	s, err := newResponseState(kind)
	if err != nil {
		return nil
	}
	s.setResult(r)
	return s
}

func EncodeResponseState(s ResponseState) []byte {
	b := appendHeader(nil, s.Kind(), responseStateVersion)
	e := &fieldEncoder{b: b}
	e.presentUvarint(stateFieldResult, uint64(s.Result()))
	s.encodeFields(e)
	return e.b
}

// DecodeResponseState rejects unknown kinds and versions newer than this
// build. Unknown fields of a known version are ignored.
func DecodeResponseState(b []byte) (ResponseState, error) {
	kind, body, err := readHeader(b, responseStateVersion)
	if err != nil {
		return nil, err
	}
	s, err := newResponseState(kind)
	if err != nil {
		return nil, err
	}
	f, err := parseFields(body)
	if err != nil {
		return nil, err
	}
	if !f.has(stateFieldResult) {
		return nil, fmt.Errorf("%w: %s state has no result", ErrMalformedField, kind)
	}
	r := Result(f.uvarint(stateFieldResult))
	if !r.valid() {
		return nil, fmt.Errorf("%w: unknown result %d", ErrMalformedField, uint16(r))
	}
	s.setResult(r)
	s.decodeFields(f)
	if f.err != nil {
		return nil, f.err
	}
	return s, nil
}
