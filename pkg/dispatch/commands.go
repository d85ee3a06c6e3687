package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"wcfbridge/pkg/sdk"
)

// ErrImageNotReady is returned by SaveImage when decryption never produced a file.
var ErrImageNotReady = errors.New("image was not ready before the timeout")

// IsLogin reports whether the desktop client is logged in.
func (d *Dispatcher) IsLogin(ctx context.Context) (bool, error) {
	res, err := d.Dispatch(ctx, Command{Kind: KindIsLogin})
	if err != nil {
		return false, err
	}
	return res.Status == 1, nil
}

func (d *Dispatcher) SelfWxid(ctx context.Context) (string, error) {
	return d.str(ctx, KindSelfWxid, nil)
}

func (d *Dispatcher) UserInfo(ctx context.Context) (sdk.UserInfo, error) {
	var info sdk.UserInfo
	err := d.decode(ctx, KindUserInfo, nil, &info)
	return info, err
}

func (d *Dispatcher) Contacts(ctx context.Context) ([]sdk.Contact, error) {
	var contacts []sdk.Contact
	err := d.decodeOptional(ctx, KindContacts, nil, &contacts)
	return nonNil(contacts), err
}

func (d *Dispatcher) DbNames(ctx context.Context) ([]string, error) {
	var names []string
	err := d.decodeOptional(ctx, KindDbNames, nil, &names)
	return nonNil(names), err
}

func (d *Dispatcher) DbTables(ctx context.Context, db string) ([]sdk.DbTable, error) {
	var tables []sdk.DbTable
	err := d.decodeOptional(ctx, KindDbTables, db, &tables)
	return nonNil(tables), err
}

// MsgTypes returns message type names keyed by type id.
func (d *Dispatcher) MsgTypes(ctx context.Context) (map[int32]string, error) {
	types := map[int32]string{}
	err := d.decodeOptional(ctx, KindMsgTypes, nil, &types)
	return types, err
}

func (d *Dispatcher) RefreshPyq(ctx context.Context, id uint64) error {
	return d.ok(ctx, KindRefreshPyq, id)
}

// RefreshQrcode returns the login QR code url.
func (d *Dispatcher) RefreshQrcode(ctx context.Context) (string, error) {
	return d.str(ctx, KindRefreshQrcode, nil)
}

func (d *Dispatcher) SendText(ctx context.Context, msg sdk.TextMsg) error {
	return d.ok(ctx, KindSendText, msg)
}

func (d *Dispatcher) SendImage(ctx context.Context, msg sdk.PathMsg) error {
	return d.ok(ctx, KindSendImage, msg)
}

func (d *Dispatcher) SendFile(ctx context.Context, msg sdk.PathMsg) error {
	return d.ok(ctx, KindSendFile, msg)
}

func (d *Dispatcher) SendRichText(ctx context.Context, msg sdk.RichText) error {
	return d.ok(ctx, KindSendRichText, msg)
}

func (d *Dispatcher) SendPat(ctx context.Context, msg sdk.PatMsg) error {
	return d.ok(ctx, KindSendPat, msg)
}

func (d *Dispatcher) ForwardMsg(ctx context.Context, msg sdk.ForwardMsg) error {
	return d.ok(ctx, KindForwardMsg, msg)
}

// SaveAudio stores a voice message and returns the written path.
func (d *Dispatcher) SaveAudio(ctx context.Context, msg sdk.AudioMsg) (string, error) {
	return d.str(ctx, KindSaveAudio, msg)
}

func (d *Dispatcher) DownloadAttach(ctx context.Context, msg sdk.AttachMsg) error {
	return d.ok(ctx, KindDownloadAttach, msg)
}

// DecryptImage returns the decrypted file path, or "" while the download is still running.
func (d *Dispatcher) DecryptImage(ctx context.Context, msg sdk.DecPath) (string, error) {
	res, err := d.Dispatch(ctx, Command{Kind: KindDecryptImage, Payload: msg})
	if err != nil {
		return "", err
	}
	return res.Str, nil
}

// SaveImage downloads the attachment of message id and polls decryption into
// dir until a file appears or timeout passes. Every poll is its own dispatch
// so other callers interleave between polls. A timeout shorter than one poll
// interval gives up right after the download without decrypting.
func (d *Dispatcher) SaveImage(ctx context.Context, id uint64, extra, dir string, timeout time.Duration) (string, error) {
	if err := d.DownloadAttach(ctx, sdk.AttachMsg{ID: id, Extra: extra}); err != nil {
		return "", err
	}

	attempts := int(timeout / d.opts.PollInterval)
	if attempts <= 0 {
		return "", fail(sdk.KindTimeout, KindDecryptImage, "", ErrImageNotReady)
	}
	for attempt := 1; ; attempt++ {
		path, err := d.DecryptImage(ctx, sdk.DecPath{Src: extra, Dst: dir})
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}
		if attempt >= attempts {
			return "", fail(sdk.KindTimeout, KindDecryptImage, "", ErrImageNotReady)
		}

		select {
		case <-ctx.Done():
			return "", fail(sdk.KindTimeout, KindDecryptImage, "", ctx.Err())
		case <-time.After(d.opts.PollInterval):
		}
	}
}

func (d *Dispatcher) ReceiveTransfer(ctx context.Context, msg sdk.Transfer) error {
	return d.ok(ctx, KindReceiveTransfer, msg)
}

// QuerySQL runs query and converts each row to column -> value. Field types
// map 1 to int64, 2 to float64, 3 to text, 4 to base64 encoded blob; anything
// unparseable becomes nil.
func (d *Dispatcher) QuerySQL(ctx context.Context, query sdk.DbQuery) ([]map[string]any, error) {
	var rows []sdk.DbRow
	if err := d.decodeOptional(ctx, KindQuerySQL, query, &rows); err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		values := make(map[string]any, len(row.Fields))
		for _, field := range row.Fields {
			values[field.Column] = fieldValue(field)
		}
		out = append(out, values)
	}
	return out, nil
}

func fieldValue(field sdk.DbField) any {
	switch field.Type {
	case 1:
		if v, err := strconv.ParseInt(string(field.Content), 10, 64); err == nil {
			return v
		}
	case 2:
		if v, err := strconv.ParseFloat(string(field.Content), 64); err == nil {
			return v
		}
	case 3:
		return string(field.Content)
	case 4:
		return base64.StdEncoding.EncodeToString(field.Content)
	}
	return nil
}

func (d *Dispatcher) AcceptNewFriend(ctx context.Context, v sdk.Verification) error {
	return d.ok(ctx, KindAcceptFriend, v)
}

func (d *Dispatcher) AddChatroomMembers(ctx context.Context, m sdk.MemberMgmt) error {
	return d.ok(ctx, KindAddRoomMembers, m)
}

func (d *Dispatcher) InviteChatroomMembers(ctx context.Context, m sdk.MemberMgmt) error {
	return d.ok(ctx, KindInviteRoomMembers, m)
}

func (d *Dispatcher) DeleteChatroomMembers(ctx context.Context, m sdk.MemberMgmt) error {
	return d.ok(ctx, KindDelRoomMembers, m)
}

func (d *Dispatcher) RevokeMsg(ctx context.Context, id uint64) error {
	return d.ok(ctx, KindRevokeMsg, id)
}

// QueryRoomMember lists the members of roomid, keeping only wxids when given.
// A room the SDK knows nothing about yields an empty list.
func (d *Dispatcher) QueryRoomMember(ctx context.Context, roomid string, wxids []string) ([]sdk.RoomMember, error) {
	var members []sdk.RoomMember
	if err := d.decodeOptional(ctx, KindQueryRoomMember, roomid, &members); err != nil {
		return nil, err
	}

	wanted := make([]string, 0, len(wxids))
	for _, id := range wxids {
		if id = strings.TrimSpace(id); id != "" {
			wanted = append(wanted, id)
		}
	}
	if len(wanted) > 0 {
		members = slices.DeleteFunc(members, func(m sdk.RoomMember) bool {
			return !slices.Contains(wanted, m.Wxid)
		})
	}
	return nonNil(members), nil
}

func (d *Dispatcher) EnableReceiving(ctx context.Context, pyq bool) error {
	return d.ok(ctx, KindEnableReceiving, sdk.RecvFlag{Pyq: pyq})
}

func (d *Dispatcher) DisableReceiving(ctx context.Context) error {
	return d.ok(ctx, KindDisableReceiving, nil)
}

// ok treats any non-zero status as a failure.
func (d *Dispatcher) ok(ctx context.Context, kind CommandKind, payload any) error {
	res, err := d.Dispatch(ctx, Command{Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	if res.Status != 0 {
		return fail(sdk.KindRemote, kind, res.ID, RemoteError{Status: res.Status})
	}
	return nil
}

func (d *Dispatcher) str(ctx context.Context, kind CommandKind, payload any) (string, error) {
	res, err := d.Dispatch(ctx, Command{Kind: kind, Payload: payload})
	if err != nil {
		return "", err
	}
	if res.Status != 0 {
		return "", fail(sdk.KindRemote, kind, res.ID, RemoteError{Status: res.Status})
	}
	return res.Str, nil
}

func (d *Dispatcher) decode(ctx context.Context, kind CommandKind, payload any, v any) error {
	res, err := d.Dispatch(ctx, Command{Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	if err := res.Decode(v); err != nil {
		return fail(sdk.KindDecode, kind, res.ID, err)
	}
	return nil
}

// decodeOptional accepts an empty payload as an empty result.
func (d *Dispatcher) decodeOptional(ctx context.Context, kind CommandKind, payload any, v any) error {
	res, err := d.Dispatch(ctx, Command{Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	if len(res.Payload) == 0 {
		return nil
	}
	if err := res.Decode(v); err != nil {
		return fail(sdk.KindDecode, kind, res.ID, err)
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
