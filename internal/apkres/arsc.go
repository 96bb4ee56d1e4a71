package apkres

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"
)

// ErrResourceTable resources.arsc 结构不合法
var ErrResourceTable = errors.New("malformed resource table")

const (
	chunkStringPool = 0x0001
	chunkTable      = 0x0002
	chunkPackage    = 0x0200
	chunkType       = 0x0201

	chunkHeaderSize      = 8
	stringPoolHeaderSize = 28
	packageHeaderMinSize = 284
	typeHeaderMinSize    = 20

	stringPoolUTF8 = 1 << 8

	typeFlagSparse   = 0x01
	typeFlagOffset16 = 0x02

	entryFlagComplex = 0x0001
	entryFlagCompact = 0x0008

	valueNull      = 0x00
	valueReference = 0x01
	valueString    = 0x03

	noEntry   = 0xFFFFFFFF
	noEntry16 = 0xFFFF

	maxReferenceDepth = 10
)

var le = binary.LittleEndian

func tableErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResourceTable, fmt.Sprintf(format, args...))
}

type chunk struct {
	typ        uint16
	headerSize int
	data       []byte
}

func readChunk(data []byte, off int) (chunk, error) {
	if off < 0 || off+chunkHeaderSize > len(data) {
		return chunk{}, tableErr("chunk header at %d out of range", off)
	}
	typ := le.Uint16(data[off:])
	headerSize := int(le.Uint16(data[off+2:]))
	size := int(le.Uint32(data[off+4:]))
	if headerSize < chunkHeaderSize || size < headerSize || off+size > len(data) {
		return chunk{}, tableErr("chunk 0x%04x at %d has invalid size", typ, off)
	}
	return chunk{typ: typ, headerSize: headerSize, data: data[off : off+size]}, nil
}

type stringPool []string

func (p stringPool) get(idx uint32) (string, bool) {
	if uint64(idx) >= uint64(len(p)) {
		return "", false
	}
	return p[idx], true
}

func parseStringPool(c chunk) (stringPool, error) {
	if c.typ != chunkStringPool || c.headerSize < stringPoolHeaderSize {
		return nil, tableErr("not a string pool")
	}
	data := c.data
	count := uint64(le.Uint32(data[8:]))
	flags := le.Uint32(data[16:])
	stringsStart := uint64(le.Uint32(data[20:]))
	if uint64(c.headerSize)+count*4 > uint64(len(data)) {
		return nil, tableErr("string pool offsets out of range")
	}

	pool := make(stringPool, count)
	for i := range pool {
		off := stringsStart + uint64(le.Uint32(data[c.headerSize+i*4:]))
		if off >= uint64(len(data)) {
			return nil, tableErr("string %d out of range", i)
		}
		var (
			s   string
			err error
		)
		if flags&stringPoolUTF8 != 0 {
			s, err = decodePoolUTF8(data[off:])
		} else {
			s, err = decodePoolUTF16(data[off:])
		}
		if err != nil {
			return nil, fmt.Errorf("string %d: %w", i, err)
		}
		pool[i] = s
	}
	return pool, nil
}

// poolLen8 UTF-8 池中的长度前缀，最高位置位时占两个字节
func poolLen8(b []byte) (n, used int, ok bool) {
	if len(b) < 1 {
		return 0, 0, false
	}
	if b[0]&0x80 == 0 {
		return int(b[0]), 1, true
	}
	if len(b) < 2 {
		return 0, 0, false
	}
	return int(b[0]&0x7f)<<8 | int(b[1]), 2, true
}

func decodePoolUTF8(b []byte) (string, error) {
	_, used, ok := poolLen8(b)
	if !ok {
		return "", tableErr("truncated utf8 length")
	}
	b = b[used:]
	n, used, ok := poolLen8(b)
	if !ok || used+n > len(b) {
		return "", tableErr("truncated utf8 string")
	}
	return string(b[used : used+n]), nil
}

func decodePoolUTF16(b []byte) (string, error) {
	if len(b) < 2 {
		return "", tableErr("truncated utf16 length")
	}
	n := int(le.Uint16(b))
	b = b[2:]
	if n&0x8000 != 0 {
		if len(b) < 2 {
			return "", tableErr("truncated utf16 length")
		}
		n = (n&0x7fff)<<16 | int(le.Uint16(b))
		b = b[2:]
	}
	if n*2 > len(b) {
		return "", tableErr("truncated utf16 string")
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = le.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

type resValue struct {
	kind uint8
	data uint32
}

type resConfig struct {
	language  string
	region    string
	isDefault bool
}

// unpackLocale 解码两字节的语言或地区，最高位置位时为三字母压缩形式
func unpackLocale(b []byte, base byte) string {
	if b[0]&0x80 != 0 {
		first := b[1] & 0x1f
		second := (b[1]&0xe0)>>5 | (b[0]&0x03)<<3
		third := (b[0] & 0x7c) >> 2
		return string([]byte{first + base, second + base, third + base})
	}
	return strings.TrimRight(string(b[:2]), "\x00")
}

func parseConfig(b []byte) resConfig {
	var cfg resConfig
	if len(b) >= 12 {
		cfg.language = unpackLocale(b[8:10], 'a')
		cfg.region = unpackLocale(b[10:12], '0')
	}
	cfg.isDefault = true
	for _, v := range b[min(4, len(b)):] {
		if v != 0 {
			cfg.isDefault = false
			break
		}
	}
	return cfg
}

type resEntry struct {
	config  resConfig
	complex bool
	value   resValue
	items   []resValue
}

func (e *resEntry) isNull() bool {
	return !e.complex && e.value.kind == valueNull
}

// score 多配置中默认值的选择顺序：英语、美国、英国、默认配置
func (e *resEntry) score() int {
	switch {
	case strings.EqualFold(e.config.language, "en"):
		return 10
	case strings.EqualFold(e.config.region, "US"):
		return 8
	case strings.EqualFold(e.config.region, "GB"):
		return 7
	case e.config.isDefault:
		return 5
	}
	return 0
}

type resource struct {
	id       uint32
	typeName string
	name     string
	entries  []*resEntry
}

// preferred 得分最高的非空条目，同分取先出现者
func (r *resource) preferred() *resEntry {
	var (
		best      *resEntry
		bestScore = -1
	)
	for _, e := range r.entries {
		if e.isNull() {
			continue
		}
		if s := e.score(); s > bestScore {
			best, bestScore = e, s
		}
	}
	return best
}

// resourceTable 已解析的 resources.arsc
type resourceTable struct {
	strings   stringPool
	byID      map[uint32]*resource
	resources []*resource
}

func parseResourceTable(data []byte) (*resourceTable, error) {
	root, err := readChunk(data, 0)
	if err != nil {
		return nil, err
	}
	if root.typ != chunkTable || root.headerSize < 12 {
		return nil, tableErr("unexpected root chunk 0x%04x", root.typ)
	}

	t := &resourceTable{byID: make(map[uint32]*resource)}
	for off := root.headerSize; off < len(root.data); {
		c, err := readChunk(root.data, off)
		if err != nil {
			return nil, err
		}
		switch c.typ {
		case chunkStringPool:
			if t.strings, err = parseStringPool(c); err != nil {
				return nil, err
			}
		case chunkPackage:
			if err := t.parsePackage(c); err != nil {
				return nil, err
			}
		}
		off += len(c.data)
	}

	for _, r := range t.byID {
		t.resources = append(t.resources, r)
	}
	sort.Slice(t.resources, func(i, j int) bool { return t.resources[i].id < t.resources[j].id })
	return t, nil
}

func (t *resourceTable) parsePackage(c chunk) error {
	if c.headerSize < packageHeaderMinSize {
		return tableErr("package header too small")
	}
	data := c.data
	id := le.Uint32(data[8:])

	typeNames, err := subPool(data, int(le.Uint32(data[268:])))
	if err != nil {
		return fmt.Errorf("package 0x%02x type strings: %w", id, err)
	}
	keys, err := subPool(data, int(le.Uint32(data[276:])))
	if err != nil {
		return fmt.Errorf("package 0x%02x key strings: %w", id, err)
	}
	var typeIDOffset uint32
	if c.headerSize >= packageHeaderMinSize+4 {
		typeIDOffset = le.Uint32(data[284:])
	}

	for off := c.headerSize; off < len(data); {
		child, err := readChunk(data, off)
		if err != nil {
			return err
		}
		if child.typ == chunkType {
			if err := t.parseType(child, id, typeIDOffset, typeNames, keys); err != nil {
				return fmt.Errorf("package 0x%02x: %w", id, err)
			}
		}
		off += len(child.data)
	}
	return nil
}

func subPool(data []byte, off int) (stringPool, error) {
	c, err := readChunk(data, off)
	if err != nil {
		return nil, err
	}
	return parseStringPool(c)
}

type entryRef struct {
	index  uint32
	offset uint64
}

func (t *resourceTable) parseType(c chunk, pkgID, typeIDOffset uint32, typeNames, keys stringPool) error {
	if c.headerSize < typeHeaderMinSize {
		return tableErr("type header too small")
	}
	data := c.data
	typeID := data[8]
	flags := data[9]
	count := uint64(le.Uint32(data[12:]))
	entriesStart := uint64(le.Uint32(data[16:]))

	typeName, ok := typeNames.get(uint32(typeID) - 1 - typeIDOffset)
	if !ok {
		return tableErr("unknown type id %d", typeID)
	}
	config := parseConfig(data[typeHeaderMinSize:c.headerSize])

	refs, err := entryRefs(data[c.headerSize:], flags, count)
	if err != nil {
		return fmt.Errorf("type %s: %w", typeName, err)
	}

	for _, ref := range refs {
		off := entriesStart + ref.offset
		if off >= uint64(len(data)) {
			return tableErr("type %s entry %d out of range", typeName, ref.index)
		}
		key, entry, err := parseEntry(data[off:])
		if err != nil {
			return fmt.Errorf("type %s entry %d: %w", typeName, ref.index, err)
		}
		entry.config = config

		id := pkgID<<24 | uint32(typeID)<<16 | ref.index
		r, ok := t.byID[id]
		if !ok {
			name, _ := keys.get(key)
			r = &resource{id: id, typeName: typeName, name: name}
			t.byID[id] = r
		}
		r.entries = append(r.entries, entry)
	}
	return nil
}

func entryRefs(b []byte, flags uint8, count uint64) ([]entryRef, error) {
	width := uint64(4)
	if flags&(typeFlagSparse|typeFlagOffset16) == typeFlagOffset16 {
		width = 2
	}
	if count*width > uint64(len(b)) {
		return nil, tableErr("entry offsets out of range")
	}

	refs := make([]entryRef, 0, count)
	for i := uint64(0); i < count; i++ {
		switch {
		case flags&typeFlagSparse != 0:
			refs = append(refs, entryRef{
				index:  uint32(le.Uint16(b[i*4:])),
				offset: uint64(le.Uint16(b[i*4+2:])) * 4,
			})
		case width == 2:
			if v := le.Uint16(b[i*2:]); v != noEntry16 {
				refs = append(refs, entryRef{index: uint32(i), offset: uint64(v) * 4})
			}
		default:
			if v := le.Uint32(b[i*4:]); v != noEntry {
				refs = append(refs, entryRef{index: uint32(i), offset: uint64(v)})
			}
		}
	}
	return refs, nil
}

func parseEntry(b []byte) (uint32, *resEntry, error) {
	if len(b) < 8 {
		return 0, nil, tableErr("truncated entry")
	}
	size := uint64(le.Uint16(b))
	flags := le.Uint16(b[2:])

	if flags&entryFlagCompact != 0 {
		return uint32(size), &resEntry{value: resValue{kind: uint8(flags >> 8), data: le.Uint32(b[4:])}}, nil
	}

	key := le.Uint32(b[4:])
	if flags&entryFlagComplex != 0 {
		if len(b) < 16 || size < 16 {
			return 0, nil, tableErr("truncated map entry")
		}
		count := uint64(le.Uint32(b[12:]))
		if size+count*12 > uint64(len(b)) {
			return 0, nil, tableErr("map entry items out of range")
		}
		e := &resEntry{complex: true, items: make([]resValue, count)}
		for i := range e.items {
			p := size + uint64(i)*12
			e.items[i] = resValue{kind: b[p+7], data: le.Uint32(b[p+8:])}
		}
		return key, e, nil
	}

	if size+8 > uint64(len(b)) {
		return 0, nil, tableErr("truncated value")
	}
	return key, &resEntry{value: resValue{kind: b[size+3], data: le.Uint32(b[size+4:])}}, nil
}

// ofType 指定类型的全部资源，按 ID 排序
func (t *resourceTable) ofType(typeName string) []*resource {
	var result []*resource
	for _, r := range t.resources {
		if r.typeName == typeName {
			result = append(result, r)
		}
	}
	return result
}

// stringValue 资源的默认字符串值，沿引用解析
func (t *resourceTable) stringValue(r *resource, depth int) (string, bool) {
	e := r.preferred()
	if e == nil || e.complex {
		return "", false
	}
	switch e.value.kind {
	case valueString:
		return t.strings.get(e.value.data)
	case valueReference:
		if depth >= maxReferenceDepth {
			return "", false
		}
		target, ok := t.byID[e.value.data]
		if !ok {
			return "", false
		}
		return t.stringValue(target, depth+1)
	}
	return "", false
}

// stringArray 默认配置下数组中的字符串元素
func (t *resourceTable) stringArray(r *resource) []string {
	e := r.preferred()
	if e == nil || !e.complex {
		return nil
	}
	var result []string
	for _, item := range e.items {
		if item.kind != valueString {
			continue
		}
		if s, ok := t.strings.get(item.data); ok {
			result = append(result, s)
		}
	}
	return result
}

// Strings 指定类型下名称到非空白字符串的映射
func (t *resourceTable) Strings(typeName string) map[string]string {
	result := make(map[string]string)
	for _, r := range t.ofType(typeName) {
		if s, ok := t.stringValue(r, 0); ok && r.name != "" && strings.TrimSpace(s) != "" {
			result[r.name] = s
		}
	}
	return result
}

// StringArrays 指定类型下名称到非空字符串数组的映射
func (t *resourceTable) StringArrays(typeName string) map[string][]string {
	result := make(map[string][]string)
	for _, r := range t.ofType(typeName) {
		if items := t.stringArray(r); r.name != "" && len(items) > 0 {
			result[r.name] = items
		}
	}
	return result
}

// Values 指定类型下全部非空白字符串值，按 ID 排序
func (t *resourceTable) Values(typeName string) []string {
	var result []string
	for _, r := range t.ofType(typeName) {
		if s, ok := t.stringValue(r, 0); ok && strings.TrimSpace(s) != "" {
			result = append(result, s)
		}
	}
	return result
}
