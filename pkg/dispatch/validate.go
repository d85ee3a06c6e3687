package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"wcfbridge/pkg/sdk"
)

// Validate checks that payload carries every field its command needs.
func Validate(kind CommandKind, payload any) error {
	spec, ok := Lookup(kind)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	if spec.Sample == nil {
		return nil
	}
	if payload == nil {
		return errors.New("payload is required")
	}
	if reflect.TypeOf(payload) != reflect.TypeOf(spec.Sample) {
		return fmt.Errorf("%s expects %T, got %T", kind, spec.Sample, payload)
	}

	switch p := payload.(type) {
	case string:
		return required("value", p)
	case uint64:
		return nil
	case sdk.TextMsg:
		return firstErr(required("msg", p.Msg), required("receiver", p.Receiver))
	case sdk.PathMsg:
		return firstErr(required("path", p.Path), required("receiver", p.Receiver))
	case sdk.RichText:
		return firstErr(required("title", p.Title), required("url", p.URL), required("receiver", p.Receiver))
	case sdk.PatMsg:
		return firstErr(required("roomid", p.Roomid), required("wxid", p.Wxid))
	case sdk.ForwardMsg:
		return firstErr(nonZero("id", p.ID), required("receiver", p.Receiver))
	case sdk.AudioMsg:
		return firstErr(nonZero("id", p.ID), required("dir", p.Dir))
	case sdk.AttachMsg:
		return firstErr(nonZero("id", p.ID), required("extra", p.Extra))
	case sdk.DecPath:
		return firstErr(required("src", p.Src), required("dst", p.Dst))
	case sdk.Transfer:
		return firstErr(required("wxid", p.Wxid), required("tfid", p.Tfid), required("taid", p.Taid))
	case sdk.DbQuery:
		return firstErr(required("db", p.DB), required("sql", p.SQL))
	case sdk.Verification:
		return firstErr(required("v3", p.V3), required("v4", p.V4))
	case sdk.MemberMgmt:
		return firstErr(required("roomid", p.Roomid), required("wxids", p.Wxids))
	default:
		return nil
	}
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func nonZero(field string, value uint64) error {
	if value == 0 {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
