package tds

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// plpTextDecoder decodes a PLP-chunked NVARCHAR(MAX)/NTEXT-class value one
// wire chunk at a time. Unlike decodeUTF16, which assumes its whole input is
// one complete, even-length buffer, PLP chunk boundaries are not guaranteed
// to land on a 2-byte UTF-16 code-unit boundary (let alone a surrogate-pair
// boundary), so decoding requires a transformer that carries partial state
// from one feed() call to the next.
type plpTextDecoder struct {
	tr      transform.Transformer
	pending []byte
	out     strings.Builder
}

func newPLPTextDecoder() *plpTextDecoder {
	return &plpTextDecoder{tr: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()}
}

// feed decodes chunk, carrying any incomplete trailing code unit forward to
// the next call. Call with final=true (chunk may be nil) once the PLP
// stream's terminating zero-length chunk has been read.
func (d *plpTextDecoder) feed(chunk []byte, final bool) error {
	src := append(d.pending, chunk...)
	d.pending = nil

	dst := make([]byte, len(src)*3+16)
	for {
		nDst, nSrc, err := d.tr.Transform(dst, src, final)
		d.out.Write(dst[:nDst])
		src = src[nSrc:]

		switch err {
		case nil:
			if len(src) > 0 {
				d.pending = append([]byte(nil), src...)
			}
			return nil
		case transform.ErrShortDst:
			dst = make([]byte, len(dst)*2)
		case transform.ErrShortSrc:
			d.pending = append([]byte(nil), src...)
			return nil
		default:
			return err
		}
	}
}

func (d *plpTextDecoder) string() string { return d.out.String() }
