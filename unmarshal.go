package uprobetrace

import (
	"reflect"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Special values of the "uprobe" struct tag, which decode
// the header instead of an argument.
const (
	tagTID       = "tid"
	tagCPU       = "cpu"
	tagTimestamp = "timestamp"
	tagEvent     = "event"
)

// entryField describes how to fill a single field.
type entryField struct {
	index []int
	kind  reflect.Kind
	tag   string
	arg   int
}

// entryDescriptor is the compiled form of a struct type.
type entryDescriptor struct {
	fields []entryField
}

// descriptors caches compiled descriptors by type.
var descriptors sync.Map

// compileEntryType collects the tagged fields of the
// struct, fields without the tag are left untouched.
func compileEntryType(typ reflect.Type) (*entryDescriptor, error) {
	if cached, ok := descriptors.Load(typ); ok {
		return cached.(*entryDescriptor), nil
	}
	if kind := typ.Kind(); kind != reflect.Struct {
		return nil, errors.Errorf("invalid kind %q", kind)
	}
	result := &entryDescriptor{}
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag, ok := field.Tag.Lookup("uprobe")
		if !ok || tag == "" || tag == "-" {
			continue
		}
		if field.PkgPath != "" {
			return nil, errors.Errorf(
				"tagged field %s is unexported", field.Name)
		}
		desc := entryField{
			index: field.Index,
			kind:  field.Type.Kind(),
			tag:   tag,
			arg:   -1,
		}
		switch tag {
		case tagTID, tagCPU, tagTimestamp, tagEvent:
		default:
			arg, err := strconv.Atoi(tag)
			if err != nil || arg < 0 {
				return nil, errors.Errorf(
					"field %s has malformed tag %q", field.Name, tag)
			}
			desc.arg = arg
		}
		switch desc.kind {
		case reflect.Int, reflect.Int8, reflect.Int16,
			reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16,
			reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			if desc.tag == tagEvent {
				return nil, errors.Errorf(
					"field %s must be string", field.Name)
			}
		case reflect.String:
			if desc.arg < 0 && desc.tag != tagEvent {
				return nil, errors.Errorf(
					"field %s must be integer", field.Name)
			}
		default:
			return nil, errors.Errorf(
				"field %s has unacceptible kind %s",
				field.Name, desc.kind)
		}
		result.fields = append(result.fields, desc)
	}
	descriptors.Store(typ, result)
	return result, nil
}

// integer fetches the integer value of the field.
func (e *Entry) integer(field *entryField) (int64, error) {
	switch field.tag {
	case tagTID:
		tid, err := e.TID()
		return int64(tid), err
	case tagCPU:
		cpu, err := e.CPU()
		return int64(cpu), err
	case tagTimestamp:
		epoch, err := e.Timestamp()
		return int64(epoch), err
	}
	return e.LongArg(field.arg)
}

// Unmarshal fills the struct pointed by v. Fields tagged
// `uprobe:"<index>"` receive the argument with the index,
// and the special tags "tid", "cpu", "timestamp" and
// "event" receive the corresponding header field. Integer
// values are truncated to the size of the field.
func (e *Entry) Unmarshal(v interface{}) error {
	value := reflect.ValueOf(v)
	if value.Kind() != reflect.Ptr || value.IsNil() {
		return errors.New("unmarshal requires non-nil pointer")
	}
	value = value.Elem()
	desc, err := compileEntryType(value.Type())
	if err != nil {
		return errors.Wrap(err, "compile entry type")
	}
	for i := range desc.fields {
		field := &desc.fields[i]
		target := value.FieldByIndex(field.index)
		switch field.kind {
		case reflect.String:
			var s string
			if field.tag == tagEvent {
				s = e.Event()
			} else if s, err = e.StringArg(field.arg); err != nil {
				return errors.Wrapf(err, "field %s", field.tag)
			}
			target.SetString(s)
		case reflect.Uint, reflect.Uint8, reflect.Uint16,
			reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			n, err := e.integer(field)
			if err != nil {
				return errors.Wrapf(err, "field %s", field.tag)
			}
			target.SetUint(uint64(n))
		default:
			n, err := e.integer(field)
			if err != nil {
				return errors.Wrapf(err, "field %s", field.tag)
			}
			target.SetInt(n)
		}
	}
	return nil
}
