package invocation

import (
	nimbuscallerrors "github.com/nimbuscall/nimbuscall/internal/engine/errors"
	"github.com/nimbuscall/nimbuscall/internal/engine/wire"
)

func toWireCall(c Call) wire.Call {
	return wire.Call{
		CallID:          c.CallID,
		Name:            c.Name,
		Args:            c.Args,
		ResponseQueueID: c.ResponseQueueID,
		Start:           c.StartTime.UnixMilli(),
	}
}

func fromWireReturn(r wire.Return) Return {
	ret := Return{
		Kind:                 r.Kind,
		CallID:               r.CallID,
		Value:                r.Value,
		RemoteExecutionStart: r.RemoteExecutionStart,
		RemoteExecutionEnd:   r.RemoteExecutionEnd,
		RemoteResponseSent:   r.RemoteExecutionEnd,
		LogURL:               r.LogURL,
		InstanceID:           r.InstanceID,
		ExecutionID:          r.ExecutionID,
	}
	if r.Error != nil {
		ret.Err = &nimbuscallerrors.UserError{Name: r.Error.Name, Message: r.Error.Message, Stack: r.Error.Stack}
	}
	return ret
}
