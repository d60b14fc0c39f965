package uprobetrace

import (
	"debug/elf"

	"github.com/pkg/errors"
)

// symbolTable is the part of an ELF image needed for
// resolving the attach point of a probe.
type symbolTable interface {
	DynamicSymbols() ([]elf.Symbol, error)
	Close() error
}

// openELFSymbols opens the ELF image at path.
func openELFSymbols(path string) (symbolTable, error) {
	return elf.Open(path)
}

// symbolResolver resolves symbols into file offsets,
// reading the symbol table of each path at most once.
type symbolResolver struct {
	open   func(string) (symbolTable, error)
	images map[string][]elf.Symbol
}

// newSymbolResolver creates an empty resolver.
func newSymbolResolver(
	open func(string) (symbolTable, error),
) *symbolResolver {
	return &symbolResolver{
		open:   open,
		images: make(map[string][]elf.Symbol),
	}
}

// load reads the dynamic symbol table of the image.
func (r *symbolResolver) load(path string) ([]elf.Symbol, error) {
	if symbols, ok := r.images[path]; ok {
		return symbols, nil
	}
	image, err := r.open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrImageUnreadable,
			"open %q: %s", path, err)
	}
	defer func() { _ = image.Close() }()
	symbols, err := image.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, errors.Wrapf(ErrImageUnreadable,
			"read dynamic symbols of %q: %s", path, err)
	}

	// An image without dynamic symbols is cached as well,
	// every lookup into it reports symbol not found.
	r.images[path] = symbols
	return symbols, nil
}

// resolve returns the file offset to attach a probe to
// the symbol inside the image at path.
//
// Undefined entries are imports resolved from another
// image at runtime, they carry no address of their own.
func (r *symbolResolver) resolve(path, name string) (uint64, error) {
	symbols, err := r.load(path)
	if err != nil {
		return 0, err
	}
	for _, symbol := range symbols {
		if symbol.Name != name || symbol.Section == elf.SHN_UNDEF {
			continue
		}
		return symbol.Value, nil
	}
	return 0, errors.Wrapf(ErrSymbolNotFound,
		"%q in %q", name, path)
}

// reset drops every cached image.
func (r *symbolResolver) reset() {
	r.images = make(map[string][]elf.Symbol)
}
