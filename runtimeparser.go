package cdpkit

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/chromedp/cdproto/runtime"
)

// parseRemoteObject decodes a Runtime.RemoteObject into a scalar, a single
// RemoteObjectId, a list of RemoteObjectId, or nil. See spec §4.J.
func parseRemoteObject(ctx context.Context, sess Session, obj *runtime.RemoteObject) (interface{}, error) {
	if obj == nil {
		return nil, nil
	}

	switch obj.Type {
	case "object":
		switch obj.Subtype {
		case "node":
			return obj.ObjectID, nil
		case "array":
			return parseRemoteArray(ctx, sess, obj.ObjectID)
		case "null":
			return nil, nil
		default:
			return nil, ErrUnsupported
		}
	case "string", "number":
		// obj.Value carries the raw JSON encoding of the value (e.g. `"hi"`
		// or `42`), exactly as the teacher's eval.go json.Unmarshal(v.Value,
		// res); decode it into a native Go value instead of handing back the
		// undecoded bytes.
		var v interface{}
		if err := json.Unmarshal([]byte(obj.Value), &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, ErrUnsupported
	}
}

// parseRemoteArray recurses over Runtime.getProperties, keeping only
// digit-named (array index) properties whose value resolves to a node
// RemoteObjectId.
func parseRemoteArray(ctx context.Context, sess Session, objectID runtime.RemoteObjectID) ([]runtime.RemoteObjectID, error) {
	var props runtime.GetPropertiesReturns
	if err := sess.Execute(ctx, string(runtime.CommandGetProperties), &runtime.GetPropertiesParams{
		ObjectID: objectID,
	}, &props); err != nil {
		return nil, err
	}

	var ids []runtime.RemoteObjectID
	for _, prop := range props.Result {
		if _, err := strconv.Atoi(prop.Name); err != nil {
			continue
		}
		parsed, err := parseRemoteObject(ctx, sess, prop.Value)
		if err != nil {
			continue
		}
		if id, ok := parsed.(runtime.RemoteObjectID); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
