package caphub

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

// Dispatcher is implemented by service instances which handle actions
// they have no method for.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, args []json.RawMessage) (any, error)
}

type actionKind uint8

const (
	actionNotFound actionKind = iota
	actionDirect
	actionDispatch
)

func (k actionKind) String() string {
	switch k {
	case actionDirect:
		return "direct"
	case actionDispatch:
		return "dispatch"
	default:
		return "not_found"
	}
}

type resolvedAction struct {
	kind   actionKind
	method reflect.Value
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()

	// reservedMethods are never exposed as actions.
	reservedMethods = map[string]struct{}{
		"Dispatch":        {},
		"ServiceMetadata": {},
	}
)

// resolveAction picks how `action` is run on `instance`: a method of the
// same name first, then the generic dispatcher.
func resolveAction(instance any, action string) resolvedAction {
	if instance == nil || action == "" {
		return resolvedAction{kind: actionNotFound}
	}

	val := reflect.ValueOf(instance)
	for _, name := range candidateMethodNames(action) {
		if _, reserved := reservedMethods[name]; reserved {
			continue
		}
		if m := val.MethodByName(name); m.IsValid() {
			return resolvedAction{kind: actionDirect, method: m}
		}
	}

	if _, ok := instance.(Dispatcher); ok {
		return resolvedAction{kind: actionDispatch}
	}
	return resolvedAction{kind: actionNotFound}
}

func candidateMethodNames(action string) []string {
	first, size := utf8.DecodeRuneInString(action)
	if unicode.IsUpper(first) {
		return []string{action}
	}
	return []string{action, string(unicode.ToUpper(first)) + action[size:]}
}

// invokeAction runs `action` on `instance` and returns its JSON encoded
// result. A panic in the action is turned into an error.
func invokeAction(
	ctx context.Context,
	instance any,
	action string,
	args []json.RawMessage,
) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			if rerr, ok := r.(error); ok {
				err = rerr
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
	}()

	var out any
	resolved := resolveAction(instance, action)
	switch resolved.kind {
	case actionDirect:
		out, err = callMethod(ctx, resolved.method, action, args)
	case actionDispatch:
		out, err = instance.(Dispatcher).Dispatch(ctx, action, args)
	default:
		return nil, &UnknownActionError{Action: action}
	}
	if err != nil {
		return nil, err
	}

	if raw, ok := out.(json.RawMessage); ok && len(raw) > 0 {
		return raw, nil
	}
	return json.Marshal(out)
}

// callMethod decodes every argument into the type of the matching
// parameter. A leading `context.Context` parameter receives `ctx`.
// Missing arguments are zero values.
func callMethod(ctx context.Context, m reflect.Value, action string, args []json.RawMessage) (any, error) {
	mt := m.Type()
	in := make([]reflect.Value, 0, mt.NumIn())

	offset := 0
	if mt.NumIn() > 0 && mt.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}

	fixed := mt.NumIn() - offset
	if mt.IsVariadic() {
		fixed--
	}
	if !mt.IsVariadic() && len(args) > fixed {
		return nil, fmt.Errorf("action %s takes %d arguments, got %d", action, fixed, len(args))
	}

	for i := 0; i < fixed; i++ {
		pt := mt.In(offset + i)
		var raw json.RawMessage
		if i < len(args) {
			raw = args[i]
		}
		v, err := decodeArg(raw, pt)
		if err != nil {
			return nil, fmt.Errorf("action %s: argument %d: %w", action, i, err)
		}
		in = append(in, v)
	}

	if mt.IsVariadic() {
		elem := mt.In(mt.NumIn() - 1).Elem()
		for i := fixed; i < len(args); i++ {
			v, err := decodeArg(args[i], elem)
			if err != nil {
				return nil, fmt.Errorf("action %s: argument %d: %w", action, i, err)
			}
			in = append(in, v)
		}
	}
	out := m.Call(in)

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if mt.Out(0) == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	case 2:
		if mt.Out(1) != errorType {
			return nil, fmt.Errorf("action %s: second result must be an error", action)
		}
		if err := asError(out[1]); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		return nil, fmt.Errorf("action %s: too many results", action)
	}
}

func decodeArg(raw json.RawMessage, typ reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(typ)
	if len(raw) == 0 {
		return ptr.Elem(), nil
	}
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// marshalArgs encodes each call argument on its own, raw messages are
// kept as is.
func marshalArgs(args []any) ([]json.RawMessage, error) {
	raws := make([]json.RawMessage, len(args))
	for i, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			raws[i] = raw
			continue
		}
		buf, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		raws[i] = buf
	}
	return raws, nil
}
