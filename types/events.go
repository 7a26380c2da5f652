package types

import "fmt"

// WordSize is the width in bytes of one entry in the event stream.
// Consumers learn it from the pointer_size endpoint.
const WordSize = 8

// EscapeCode prefixes every control code in the stream.
const EscapeCode = ^uint64(0)

// Code identifies a structural section of a frame.
type Code uint64

// Control codes, each written right after EscapeCode
const (
	RecordBegin     Code = 1
	ThreadInfoBegin Code = 2
	ThreadInfoEnd   Code = 3
	ModuleListBegin Code = 4
	ModuleListEnd   Code = 5
	RecordEnd       Code = 6
)

// Cookie sentinels
const (
	NoCookie      = uint64(0)
	InvalidCookie = ^uint64(0)
)

// Mapping flag bits, same values as the kernel's vm_flags
const (
	VMRead       = uint64(0x00000001)
	VMWrite      = uint64(0x00000002)
	VMExec       = uint64(0x00000004)
	VMShared     = uint64(0x00000008)
	VMExecutable = uint64(0x00001000) // mapping backs the main executable
)

// Frame geometry
const (
	ThreadInfoWords = 8
	ModuleWords     = 5

	// FrameOverhead is the size of a frame with an empty module list.
	FrameOverhead = 2 + (2 + ThreadInfoWords + 2) + (2 + 1 + 2) + 2
)

// FrameWords returns the number of words in a frame with n modules.
func FrameWords(n int) int {
	return FrameOverhead + n*ModuleWords
}

func (c Code) String() string {
	switch c {
	case RecordBegin:
		return "RECORD_BEGIN"
	case ThreadInfoBegin:
		return "THREAD_INFO_BEGIN"
	case ThreadInfoEnd:
		return "THREAD_INFO_END"
	case ModuleListBegin:
		return "MODULE_LIST_BEGIN"
	case ModuleListEnd:
		return "MODULE_LIST_END"
	case RecordEnd:
		return "RECORD_END"
	default:
		return fmt.Sprintf("CODE(%d)", uint64(c))
	}
}
