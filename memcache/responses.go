package memcache

import (
	"github.com/dropbox/gomc/errors"
)

var statusMessages = map[ResponseStatus]string{
	StatusKeyNotFound:               "Key not found",
	StatusKeyExists:                 "Key exists",
	StatusValueTooLarge:             "Value too large",
	StatusInvalidArguments:          "Invalid arguments",
	StatusItemNotStored:             "Item not stored",
	StatusIncrDecrOnNonNumericValue: "Incr/decr on non-numeric value",
	StatusAuthenticationError:       "Authentication error",
	StatusAuthenticationContinue:    "Authentication continue",
	StatusUnknownCommand:            "Unknown command",
	StatusOutOfMemory:               "Server out of memory",
	StatusNotSupported:              "Not supported",
	StatusInternalError:             "Server internal error",
	StatusBusy:                      "Server busy",
	StatusTempFailure:               "Temporary server failure",
}

func NewStatusCodeError(status ResponseStatus) error {
	if status == StatusNoError {
		return nil
	}
	if msg, ok := statusMessages[status]; ok {
		return errors.New(msg)
	}
	return errors.Newf("Invalid status: %d", int(status))
}

// The genericResponse is an union of all response types.  Response interfaces
// will cover the fact that there's only one implementation for everything.
type genericResponse struct {
	// err and status are used by all responses.
	err    error
	status ResponseStatus

	// key is used by get / mutate / count responses.  The rest is used only
	// by get response.
	item Item

	// set to true only for get response
	allowNotFound bool

	// count is used by count response.
	count uint64

	// versions is used by version response.
	versions map[string]string

	// statEntries is used by stat response.
	statEntries map[string](map[string]string)
}

func (r *genericResponse) Status() ResponseStatus {
	return r.status
}

func (r *genericResponse) Error() error {
	if r.err != nil {
		return r.err
	}
	if r.status == StatusNoError {
		return nil
	}
	if r.allowNotFound && r.status == StatusKeyNotFound {
		return nil
	}
	return NewStatusCodeError(r.status)
}

func (r *genericResponse) Key() string {
	return r.item.Key
}

func (r *genericResponse) Value() []byte {
	return r.item.Value
}

func (r *genericResponse) Flags() uint32 {
	return r.item.Flags
}

func (r *genericResponse) DataVersionId() uint64 {
	return r.item.DataVersionId
}

func (r *genericResponse) Count() uint64 {
	return r.count
}

func (r *genericResponse) Versions() map[string]string {
	return r.versions
}

func (r *genericResponse) Entries() map[string](map[string]string) {
	return r.statEntries
}

// This creates a Response from an error.
func NewErrorResponse(err error) Response {
	return &genericResponse{
		err: err,
	}
}

// This creates a Response from status.
func NewResponse(status ResponseStatus) Response {
	return &genericResponse{
		status: status,
	}
}

// This creates a GetResponse from an error.
func NewGetErrorResponse(key string, err error) GetResponse {
	resp := &genericResponse{
		err:           err,
		allowNotFound: true,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal GetResponse.
func NewGetResponse(
	key string,
	status ResponseStatus,
	flags uint32,
	value []byte,
	version uint64) GetResponse {

	return newGetResponse(key, status, flags, value, version)
}

func newGetResponse(
	key string,
	status ResponseStatus,
	flags uint32,
	value []byte,
	version uint64) *genericResponse {

	resp := &genericResponse{
		status:        status,
		allowNotFound: true,
	}
	resp.item.Key = key
	if status == StatusNoError {
		if value == nil {
			resp.item.Value = []byte{}
		} else {
			resp.item.Value = value
		}
		resp.item.Flags = flags
		resp.item.DataVersionId = version
	}
	return resp
}

// This creates a MutateResponse from an error.
func NewMutateErrorResponse(key string, err error) MutateResponse {
	resp := &genericResponse{
		err: err,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal MutateResponse.
func NewMutateResponse(
	key string,
	status ResponseStatus,
	version uint64) MutateResponse {

	resp := &genericResponse{
		status: status,
	}
	resp.item.Key = key
	if status == StatusNoError {
		resp.item.DataVersionId = version
	}
	return resp
}

// This creates a CountResponse from an error.
func NewCountErrorResponse(key string, err error) CountResponse {
	resp := &genericResponse{
		err: err,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal CountResponse.
func NewCountResponse(
	key string,
	status ResponseStatus,
	count uint64) CountResponse {

	resp := &genericResponse{
		status: status,
	}
	resp.item.Key = key
	if status == StatusNoError {
		resp.count = count
	}
	return resp
}

// This creates a normal VersionResponse.
func NewVersionResponse(
	status ResponseStatus,
	versions map[string]string) VersionResponse {

	return &genericResponse{
		status:   status,
		versions: versions,
	}
}

// This creates a normal StatResponse.
func NewStatResponse(
	status ResponseStatus,
	entries map[string](map[string]string)) StatResponse {

	return &genericResponse{
		status:      status,
		statEntries: entries,
	}
}

// broadcastResponse folds per server results into one response, keeping the
// first error and the first non-StatusNoError status.
type broadcastResponse struct {
	genericResponse
}

func newBroadcastResponse() *broadcastResponse {
	return &broadcastResponse{
		genericResponse: genericResponse{
			versions:    make(map[string]string),
			statEntries: make(map[string](map[string]string)),
		},
	}
}

func (r *broadcastResponse) add(address string, resp *genericResponse) {
	if r.err == nil && resp.err != nil {
		r.err = resp.err
	}
	if r.status == StatusNoError && resp.status != StatusNoError {
		r.status = resp.status
	}
	if resp.err != nil {
		return
	}
	for _, version := range resp.versions {
		r.versions[address] = version
	}
	for _, entries := range resp.statEntries {
		r.statEntries[address] = entries
	}
}
