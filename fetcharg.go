package uprobetrace

import (
	"strconv"
)

// FetchType is the type suffix telling the kernel how to
// decode a fetched value.
type FetchType string

// Fetch types understood by the uprobe tracer.
const (
	TypeString FetchType = "string"
	TypeU8     FetchType = "u8"
	TypeU16    FetchType = "u16"
	TypeU32    FetchType = "u32"
	TypeU64    FetchType = "u64"
	TypeS8     FetchType = "s8"
	TypeS16    FetchType = "s16"
	TypeS32    FetchType = "s32"
	TypeS64    FetchType = "s64"
	TypeX8     FetchType = "x8"
	TypeX16    FetchType = "x16"
	TypeX32    FetchType = "x32"
	TypeX64    FetchType = "x64"
)

// FetchArg describes where the kernel fetches an argument
// from when the probe fires, and how it is decoded.
//
// The value is immutable, every method returns a new one.
type FetchArg struct {
	expr string
}

// MemoryAtAddress fetches the memory at an absolute address
// of the traced process.
func MemoryAtAddress(addr uint64) FetchArg {
	return FetchArg{expr: "@" + strconv.FormatUint(addr, 10)}
}

// MemoryAt fetches the memory at offset from the address
// evaluated by arg.
func MemoryAt(arg FetchArg, offset int64) FetchArg {
	sign := "+"
	if offset < 0 {
		sign = ""
	}
	return FetchArg{expr: sign + strconv.FormatInt(offset, 10) +
		"(" + arg.expr + ")"}
}

// Register fetches the register by its name, e.g. "di".
func Register(name string) FetchArg {
	return FetchArg{expr: "%" + name}
}

// ReturnValue fetches the return value, valid for return
// probes only.
func ReturnValue() FetchArg {
	return FetchArg{expr: "$retval"}
}

// Stack fetches the stack address.
func Stack() FetchArg {
	return FetchArg{expr: "$stack"}
}

// StackEntry fetches the index-th entry of the stack.
func StackEntry(index int) FetchArg {
	return FetchArg{expr: "$stack" + strconv.Itoa(index)}
}

// Comm fetches the name of the current task.
func Comm() FetchArg {
	return FetchArg{expr: "$comm"}
}

// AsString decodes the fetched value as a string.
func (a FetchArg) AsString() FetchArg {
	return a.AsType(TypeString)
}

// AsType decodes the fetched value with the type.
func (a FetchArg) AsType(typ FetchType) FetchArg {
	return FetchArg{expr: a.expr + ":" + string(typ)}
}

// String returns the expression in the uprobe syntax.
func (a FetchArg) String() string {
	return a.expr
}
