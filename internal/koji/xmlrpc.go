package koji

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/kolo/xmlrpc"
)

// Fault codes the hub uses for rejected sessions.
const (
	FaultGeneric     = 1000
	FaultAuth        = 1002
	FaultAuthLock    = 1006
	FaultAuthExpired = 1007
	FaultSequence    = 1008
	FaultGSSAPIAuth  = 1023
)

// Fault is an XML-RPC fault returned by the hub.
type Fault struct {
	Method string
	Code   int
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: fault %d: %s", f.Method, f.Code, f.String)
}

// SessionFault is true for faults that invalidate the session.
func (f *Fault) SessionFault() bool {
	switch f.Code {
	case FaultAuth, FaultAuthLock, FaultAuthExpired, FaultSequence, FaultGSSAPIAuth:
		return true
	}
	return false
}

// Koji answers None with <nil/>, which the decoder cannot put into a struct
// or a number.
var (
	nilResponseRx = regexp.MustCompile(`^\s*(<\?xml[^>]*\?>)?\s*<methodResponse>\s*<params>\s*<param>\s*<value>\s*<nil\s*/>\s*</value>`)
	nilMemberRx   = regexp.MustCompile(`<member>\s*<name>[^<]*</name>\s*<value>\s*<nil\s*/>\s*</value>\s*</member>`)
)

func isNilResponse(body []byte) bool {
	return nilResponseRx.Match(body)
}

// stripNilMembers drops struct members whose value is None so they decode
// as zero values.
func stripNilMembers(body []byte) []byte {
	return nilMemberRx.ReplaceAll(body, nil)
}

// responseFault extracts the fault from body, or returns nil.
func responseFault(method string, body []byte) (*Fault, error) {
	err := xmlrpc.Response(body).Err()
	if err == nil {
		return nil, nil
	}

	var fault xmlrpc.FaultError
	if errors.As(err, &fault) {
		return &Fault{Method: method, Code: fault.Code, String: fault.String}, nil
	}
	var faultPtr *xmlrpc.FaultError
	if errors.As(err, &faultPtr) {
		return &Fault{Method: method, Code: faultPtr.Code, String: faultPtr.String}, nil
	}
	return nil, err
}
