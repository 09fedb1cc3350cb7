package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
)

// 单个 MIME 段最多读取的字节数
const defaultMaxPartBytes = 32 << 20

// errPartTooLarge 段超出上限时整封原样放行
var errPartTooLarge = errors.New("mime part exceeds size limit")

type createFunc func(message.Header) (*message.Writer, error)

// rewriteMessage 遍历 MIME 树，独立处理每个 text/html 与 text/plain 段后重新组装。
// 整封邮件没有任何改动时 changed 为 false，调用方应转发原始字节。
func (p *Pipeline) rewriteMessage(ctx context.Context, raw []byte, aliasID string, prefs domain.Preferences, report *domain.EmailReport) ([]byte, bool, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		if message.IsUnknownCharset(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read message: %w", err)
	}

	var buf bytes.Buffer
	create := func(h message.Header) (*message.Writer, error) {
		return message.CreateWriter(&buf, h)
	}

	changed, err := p.rewriteEntity(ctx, entity, true, create, aliasID, prefs, report)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return nil, false, nil
	}
	return buf.Bytes(), true, nil
}

func (p *Pipeline) rewriteEntity(ctx context.Context, e *message.Entity, charsetOK bool, create createFunc, aliasID string, prefs domain.Preferences, report *domain.EmailReport) (bool, error) {
	mr := e.MultipartReader()
	if mr == nil {
		return p.rewriteLeaf(ctx, e, charsetOK, create, aliasID, prefs, report)
	}

	w, err := create(e.Header)
	if err != nil {
		return false, fmt.Errorf("create multipart writer: %w", err)
	}

	changed := false
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		partCharsetOK := true
		if err != nil {
			if !message.IsUnknownCharset(err) || part == nil {
				return false, fmt.Errorf("read part: %w", err)
			}
			partCharsetOK = false
		}

		c, err := p.rewriteEntity(ctx, part, partCharsetOK, w.CreatePart, aliasID, prefs, report)
		if err != nil {
			return false, err
		}
		changed = changed || c
	}

	if err := w.Close(); err != nil {
		return false, fmt.Errorf("close multipart writer: %w", err)
	}
	return changed, nil
}

func (p *Pipeline) rewriteLeaf(ctx context.Context, e *message.Entity, charsetOK bool, create createFunc, aliasID string, prefs domain.Preferences, report *domain.EmailReport) (bool, error) {
	body, err := io.ReadAll(io.LimitReader(e.Body, p.maxPartBytes+1))
	if err != nil {
		return false, fmt.Errorf("read part body: %w", err)
	}
	if int64(len(body)) > p.maxPartBytes {
		return false, fmt.Errorf("%w: more than %d bytes", errPartTooLarge, p.maxPartBytes)
	}

	mediaType, params, _ := e.Header.ContentType()
	if mediaType == "" && e.Header.Get("Content-Type") == "" {
		mediaType = "text/plain"
	}
	disposition, _, _ := e.Header.ContentDisposition()
	header := e.Header

	changed := false
	if charsetOK && disposition != "attachment" {
		var (
			out []byte
			c   bool
		)
		switch mediaType {
		case "text/html":
			var herr error
			out, c, herr = p.sanitizeHTML(ctx, body, aliasID, prefs, report)
			if herr != nil {
				p.logger.Debug("html part left unchanged", zap.Error(herr))
			}
		case "text/plain":
			out, c = p.sanitizeText(ctx, body, prefs, report)
		}
		if c {
			body, changed = out, true
		}
	}

	// go-message 已把声明了 charset 的 text 段转换为 UTF-8
	converted := charsetOK && strings.HasPrefix(mediaType, "text/") && params["charset"] != ""
	if converted || (changed && mediaType == "text/html") {
		if params == nil {
			params = map[string]string{}
		}
		params["charset"] = "utf-8"
		header.SetContentType(mediaType, params)
	}
	if converted || changed {
		header.Set("Content-Transfer-Encoding", "quoted-printable")
	}

	w, err := create(header)
	if err != nil {
		return false, fmt.Errorf("create part writer: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return false, fmt.Errorf("write part body: %w", err)
	}
	if err := w.Close(); err != nil {
		return false, fmt.Errorf("close part writer: %w", err)
	}
	return changed, nil
}
