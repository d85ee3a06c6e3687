package dispatch

import (
	"slices"

	"wcfbridge/pkg/sdk"
)

// CommandKind names one SDK operation exposed through the dispatcher.
type CommandKind string

const (
	KindIsLogin           CommandKind = "is_login"
	KindSelfWxid          CommandKind = "self_wxid"
	KindUserInfo          CommandKind = "user_info"
	KindContacts          CommandKind = "contacts"
	KindDbNames           CommandKind = "db_names"
	KindDbTables          CommandKind = "db_tables"
	KindMsgTypes          CommandKind = "msg_types"
	KindRefreshPyq        CommandKind = "refresh_pyq"
	KindRefreshQrcode     CommandKind = "refresh_qrcode"
	KindSendText          CommandKind = "send_text"
	KindSendImage         CommandKind = "send_image"
	KindSendFile          CommandKind = "send_file"
	KindSendRichText      CommandKind = "send_rich_text"
	KindSendPat           CommandKind = "send_pat"
	KindForwardMsg        CommandKind = "forward_msg"
	KindSaveAudio         CommandKind = "save_audio"
	KindDownloadAttach    CommandKind = "download_attach"
	KindDecryptImage      CommandKind = "decrypt_image"
	KindReceiveTransfer   CommandKind = "receive_transfer"
	KindQuerySQL          CommandKind = "query_sql"
	KindAcceptFriend      CommandKind = "accept_new_friend"
	KindAddRoomMembers    CommandKind = "add_chatroom_members"
	KindInviteRoomMembers CommandKind = "invite_chatroom_members"
	KindDelRoomMembers    CommandKind = "delete_chatroom_members"
	KindRevokeMsg         CommandKind = "revoke_msg"
	KindQueryRoomMember   CommandKind = "query_room_member"
	KindEnableReceiving   CommandKind = "enable_receiving"
	KindDisableReceiving  CommandKind = "disable_receiving"
)

// Spec describes one command kind: the SDK function it maps to and a sample
// of the payload it expects. Sample is nil for commands without arguments.
type Spec struct {
	Kind        CommandKind `json:"kind"`
	Func        sdk.Func    `json:"-"`
	FuncName    string      `json:"func"`
	Sample      any         `json:"sample,omitempty"`
	Description string      `json:"description"`
}

var registry = []Spec{
	{Kind: KindIsLogin, Func: sdk.FuncIsLogin, Description: "Query whether the desktop client is logged in"},
	{Kind: KindSelfWxid, Func: sdk.FuncGetSelfWxid, Description: "Return the wxid of the logged in account"},
	{Kind: KindUserInfo, Func: sdk.FuncGetUserInfo, Description: "Return the logged in account profile"},
	{Kind: KindContacts, Func: sdk.FuncGetContacts, Description: "List every contact, including rooms and official accounts"},
	{Kind: KindDbNames, Func: sdk.FuncGetDbNames, Description: "List the queryable databases"},
	{Kind: KindDbTables, Func: sdk.FuncGetDbTables, Sample: "MicroMsg.db", Description: "List the tables of one database"},
	{Kind: KindMsgTypes, Func: sdk.FuncGetMsgTypes, Description: "Return the message type names keyed by type id"},
	{Kind: KindRefreshPyq, Func: sdk.FuncRefreshPyq, Sample: uint64(0), Description: "Refresh moments starting at id, 0 for the newest page"},
	{Kind: KindRefreshQrcode, Func: sdk.FuncRefreshQrcode, Description: "Return a fresh login QR code url"},
	{Kind: KindSendText, Func: sdk.FuncSendTxt, Sample: sdk.TextMsg{Msg: "hello", Receiver: "wxid_abc", Aters: ""}, Description: "Send a text message"},
	{Kind: KindSendImage, Func: sdk.FuncSendImg, Sample: sdk.PathMsg{Path: "C:/images/a.png", Receiver: "wxid_abc"}, Description: "Send a local image"},
	{Kind: KindSendFile, Func: sdk.FuncSendFile, Sample: sdk.PathMsg{Path: "C:/files/a.pdf", Receiver: "wxid_abc"}, Description: "Send a local file"},
	{Kind: KindSendRichText, Func: sdk.FuncSendRichTxt, Sample: sdk.RichText{Name: "bot", Account: "gh_abc", Title: "title", Digest: "digest", URL: "https://example.com", Thumburl: "https://example.com/t.png", Receiver: "wxid_abc"}, Description: "Send a link card"},
	{Kind: KindSendPat, Func: sdk.FuncSendPatMsg, Sample: sdk.PatMsg{Roomid: "123@chatroom", Wxid: "wxid_abc"}, Description: "Pat a room member"},
	{Kind: KindForwardMsg, Func: sdk.FuncForwardMsg, Sample: sdk.ForwardMsg{ID: 1234567890, Receiver: "wxid_abc"}, Description: "Forward a message by id"},
	{Kind: KindSaveAudio, Func: sdk.FuncGetAudioMsg, Sample: sdk.AudioMsg{ID: 1234567890, Dir: "C:/audio"}, Description: "Save a voice message as mp3"},
	{Kind: KindDownloadAttach, Func: sdk.FuncDownloadAttach, Sample: sdk.AttachMsg{ID: 1234567890, Extra: "C:/msg/attach.dat"}, Description: "Download a message attachment"},
	{Kind: KindDecryptImage, Func: sdk.FuncDecryptImage, Sample: sdk.DecPath{Src: "C:/msg/attach.dat", Dst: "C:/images"}, Description: "Decrypt a downloaded image"},
	{Kind: KindReceiveTransfer, Func: sdk.FuncRecvTransfer, Sample: sdk.Transfer{Wxid: "wxid_abc", Tfid: "tf", Taid: "ta"}, Description: "Accept a money transfer"},
	{Kind: KindQuerySQL, Func: sdk.FuncExecDbQuery, Sample: sdk.DbQuery{DB: "MicroMsg.db", SQL: "SELECT * FROM Contact LIMIT 1"}, Description: "Run SQL against a database"},
	{Kind: KindAcceptFriend, Func: sdk.FuncAcceptFriend, Sample: sdk.Verification{V3: "v3", V4: "v4", Scene: 30}, Description: "Accept a friend request"},
	{Kind: KindAddRoomMembers, Func: sdk.FuncAddRoomMembers, Sample: sdk.MemberMgmt{Roomid: "123@chatroom", Wxids: "wxid_abc,wxid_def"}, Description: "Add members to a room"},
	{Kind: KindInviteRoomMembers, Func: sdk.FuncInvRoomMembers, Sample: sdk.MemberMgmt{Roomid: "123@chatroom", Wxids: "wxid_abc"}, Description: "Invite members to a room"},
	{Kind: KindDelRoomMembers, Func: sdk.FuncDelRoomMembers, Sample: sdk.MemberMgmt{Roomid: "123@chatroom", Wxids: "wxid_abc"}, Description: "Remove members from a room"},
	{Kind: KindRevokeMsg, Func: sdk.FuncRevokeMsg, Sample: uint64(1234567890), Description: "Revoke a sent message"},
	{Kind: KindQueryRoomMember, Func: sdk.FuncQueryRoomMember, Sample: "123@chatroom", Description: "List the members of a room"},
	{Kind: KindEnableReceiving, Func: sdk.FuncEnableRecvTxt, Sample: sdk.RecvFlag{Pyq: true}, Description: "Start pushing messages on the event socket"},
	{Kind: KindDisableReceiving, Func: sdk.FuncDisableRecvTxt, Description: "Stop pushing messages on the event socket"},
}

func init() {
	for i := range registry {
		registry[i].FuncName = registry[i].Func.String()
	}
}

// Kinds returns every registered command kind in registration order.
func Kinds() []Spec {
	return slices.Clone(registry)
}

// Lookup returns the spec registered for kind.
func Lookup(kind CommandKind) (Spec, bool) {
	for _, spec := range registry {
		if spec.Kind == kind {
			return spec, true
		}
	}
	return Spec{}, false
}
