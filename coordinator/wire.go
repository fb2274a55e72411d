package coordinator

import (
	"encoding/json"
	stderrors "errors"

	"github.com/vinayprograms/taskkit/errors"
)

// Bus subjects served by Server.
const (
	SubjectExecutionStart     = "taskkit.execution.start"
	SubjectExecutionComplete  = "taskkit.execution.complete"
	SubjectExecutionKeepAlive = "taskkit.execution.keepalive"
	SubjectCriticalStart      = "taskkit.critical.start"
	SubjectCriticalComplete   = "taskkit.critical.complete"
)

// DefaultQueue is the queue group coordinators join.
const DefaultQueue = "taskkit-coordinators"

// envelope is the reply body for every request subject.
type envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errors.Error   `json:"error,omitempty"`
}

func encodeReply(result interface{}, err error) []byte {
	var env envelope
	if err != nil {
		env.Error = asCoded(err)
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			env.Error = errors.Wrap(merr, "encode reply")
		} else {
			env.Result = data
		}
	}
	data, _ := json.Marshal(env)
	return data
}

// asCoded returns err as a coded error, wrapping plain errors as INTERNAL.
func asCoded(err error) *errors.Error {
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return coded
	}
	return errors.Wrap(err, "coordinator request failed")
}
