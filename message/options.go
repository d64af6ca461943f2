package message

import (
	"fmt"
	"sort"
	"strings"
)

// Options is an ordered option list. Methods that modify the list return a new
// list and never touch the receiver's backing array.
type Options []Option

const maxPathValue = 255

func (options Options) Clone() Options {
	if options == nil {
		return nil
	}
	c := make(Options, len(options))
	for i, o := range options {
		c[i] = Option{ID: o.ID, Value: append([]byte(nil), o.Value...)}
	}
	return c
}

// Find returns the half-open index range of options with the id.
func (options Options) Find(id OptionID) (int, int, error) {
	first := sort.Search(len(options), func(i int) bool { return options[i].ID >= id })
	last := sort.Search(len(options), func(i int) bool { return options[i].ID > id })
	if first == last {
		return -1, -1, ErrOptionNotFound
	}
	return first, last, nil
}

func (options Options) HasOption(id OptionID) bool {
	_, _, err := options.Find(id)
	return err == nil
}

// Add inserts the option after existing options with the same id.
func (options Options) Add(opt Option) Options {
	idx := sort.Search(len(options), func(i int) bool { return options[i].ID > opt.ID })
	o := make(Options, 0, len(options)+1)
	o = append(o, options[:idx]...)
	o = append(o, opt)
	return append(o, options[idx:]...)
}

// Set replaces every occurrence of the option id with opt.
func (options Options) Set(opt Option) Options {
	return options.Remove(opt.ID).Add(opt)
}

func (options Options) Remove(id OptionID) Options {
	first, last, err := options.Find(id)
	if err != nil {
		return options
	}
	o := make(Options, 0, len(options)-(last-first))
	o = append(o, options[:first]...)
	return append(o, options[last:]...)
}

func (options Options) GetBytes(id OptionID) ([]byte, error) {
	first, last, err := options.Find(id)
	if err != nil {
		return nil, err
	}
	if last-first > 1 {
		return nil, ErrOptionDuplicate
	}
	return options[first].Value, nil
}

func (options Options) GetString(id OptionID) (string, error) {
	v, err := options.GetBytes(id)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (options Options) GetUint32(id OptionID) (uint32, error) {
	v, err := options.GetBytes(id)
	if err != nil {
		return 0, err
	}
	val, _, err := DecodeUint32(v)
	return val, err
}

func (options Options) ReadStrings(id OptionID) []string {
	first, last, err := options.Find(id)
	if err != nil {
		return nil
	}
	r := make([]string, 0, last-first)
	for i := first; i < last; i++ {
		r = append(r, string(options[i].Value))
	}
	return r
}

func (options Options) SetBytes(id OptionID, value []byte) Options {
	return options.Set(Option{ID: id, Value: append([]byte(nil), value...)})
}

func (options Options) SetString(id OptionID, value string) Options {
	return options.Set(Option{ID: id, Value: []byte(value)})
}

func (options Options) AddString(id OptionID, value string) Options {
	return options.Add(Option{ID: id, Value: []byte(value)})
}

func (options Options) SetUint32(id OptionID, value uint32) Options {
	return options.Set(Option{ID: id, Value: encodeUint32(value)})
}

// SetPath replaces the Uri-Path options with the segments of path.
func (options Options) SetPath(path string) (Options, error) {
	o := options.Remove(URIPath)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return o, nil
	}
	for _, seg := range strings.Split(path, "/") {
		if len(seg) > maxPathValue {
			return options, fmt.Errorf("path segment %q: %w", seg, ErrInvalidValueLength)
		}
		o = o.AddString(URIPath, seg)
	}
	return o, nil
}

// Path joins the Uri-Path options into an absolute path. A message without
// Uri-Path targets "/".
func (options Options) Path() (string, error) {
	segs := options.ReadStrings(URIPath)
	if segs == nil {
		return "", ErrOptionNotFound
	}
	return "/" + strings.Join(segs, "/"), nil
}

func (options Options) Queries() ([]string, error) {
	q := options.ReadStrings(URIQuery)
	if q == nil {
		return nil, ErrOptionNotFound
	}
	return q, nil
}

func (options Options) AddQuery(query string) Options {
	return options.AddString(URIQuery, query)
}

func (options Options) ContentFormat() (MediaType, error) {
	v, err := options.GetUint32(ContentFormat)
	return MediaType(v), err
}

func (options Options) SetContentFormat(cf MediaType) Options {
	return options.SetUint32(ContentFormat, uint32(cf))
}

func (options Options) Accept() (MediaType, error) {
	v, err := options.GetUint32(Accept)
	return MediaType(v), err
}

func (options Options) Observe() (uint32, error) {
	return options.GetUint32(Observe)
}

func (options Options) SetObserve(seq uint32) Options {
	return options.SetUint32(Observe, seq&0xffffff)
}

func (options Options) ETag() ([]byte, error) {
	return options.GetBytes(ETag)
}

func (options Options) Block1() (BlockOption, error) {
	return options.block(Block1)
}

func (options Options) Block2() (BlockOption, error) {
	return options.block(Block2)
}

func (options Options) block(id OptionID) (BlockOption, error) {
	v, err := options.GetUint32(id)
	if err != nil {
		return BlockOption{}, err
	}
	return DecodeBlockOption(v)
}

func (options Options) SetBlock1(b BlockOption) (Options, error) {
	return options.setBlock(Block1, b)
}

func (options Options) SetBlock2(b BlockOption) (Options, error) {
	return options.setBlock(Block2, b)
}

func (options Options) setBlock(id OptionID, b BlockOption) (Options, error) {
	v, err := b.Encode()
	if err != nil {
		return options, err
	}
	return options.SetUint32(id, v), nil
}

// Marshal writes options in delta encoding. With a short buffer it returns the
// needed size and ErrTooSmall.
func (options Options) Marshal(buf []byte) (int, error) {
	previousID := OptionID(0)
	length := 0
	tooSmall := false
	for _, o := range options {
		var dst []byte
		if !tooSmall && length <= len(buf) {
			dst = buf[length:]
		}
		n, err := o.Marshal(dst, previousID)
		if err != nil {
			tooSmall = true
		}
		previousID = o.ID
		length += n
	}
	if tooSmall {
		return length, ErrTooSmall
	}
	return length, nil
}

// Unmarshal parses options until the payload marker or the end of data. The
// returned count includes the payload marker when present. Values are copied
// and unknown options are kept.
func (options *Options) Unmarshal(data []byte) (int, error) {
	prev := 0
	processed := 0
	var o Options
	for len(data) > 0 {
		if data[0] == 0xff {
			if len(data) == 1 {
				return -1, ErrPayloadMarkerWithoutPayload
			}
			processed++
			break
		}

		delta := int(data[0] >> 4)
		length := int(data[0] & 0x0f)
		if delta == ExtendOptionError || length == ExtendOptionError {
			return -1, ErrOptionUnexpectedExtendMarker
		}
		data = data[1:]
		processed++

		proc, delta, err := parseExtOpt(data, delta)
		if err != nil {
			return -1, err
		}
		processed += proc
		data = data[proc:]
		proc, length, err = parseExtOpt(data, length)
		if err != nil {
			return -1, err
		}
		processed += proc
		data = data[proc:]

		if len(data) < length {
			return -1, ErrOptionTruncated
		}
		oid := prev + delta
		if oid > int(^uint16(0)) {
			return -1, ErrInvalidOptionHeaderExt
		}
		o = append(o, Option{ID: OptionID(oid), Value: append([]byte(nil), data[:length]...)})
		processed += length
		data = data[length:]
		prev = oid
	}
	*options = o
	return processed, nil
}
