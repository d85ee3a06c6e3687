package sdk

import (
	"fmt"

	"wcfbridge/pkg/codec"
)

// Func is the SDK function code carried by every request and response.
type Func uint16

const (
	FuncIsLogin         Func = 0x01
	FuncGetSelfWxid     Func = 0x10
	FuncGetMsgTypes     Func = 0x11
	FuncGetContacts     Func = 0x12
	FuncGetDbNames      Func = 0x13
	FuncGetDbTables     Func = 0x14
	FuncGetUserInfo     Func = 0x15
	FuncGetAudioMsg     Func = 0x16
	FuncSendTxt         Func = 0x20
	FuncSendImg         Func = 0x21
	FuncSendFile        Func = 0x22
	FuncSendRichTxt     Func = 0x25
	FuncSendPatMsg      Func = 0x26
	FuncForwardMsg      Func = 0x27
	FuncEnableRecvTxt   Func = 0x30
	FuncDisableRecvTxt  Func = 0x40
	FuncExecDbQuery     Func = 0x50
	FuncAcceptFriend    Func = 0x51
	FuncRecvTransfer    Func = 0x52
	FuncRefreshPyq      Func = 0x53
	FuncDownloadAttach  Func = 0x54
	FuncRevokeMsg       Func = 0x56
	FuncRefreshQrcode   Func = 0x57
	FuncQueryRoomMember Func = 0x58
	FuncDecryptImage    Func = 0x60
	FuncAddRoomMembers  Func = 0x70
	FuncDelRoomMembers  Func = 0x71
	FuncInvRoomMembers  Func = 0x72
)

var funcNames = map[Func]string{
	FuncIsLogin:         "is_login",
	FuncGetSelfWxid:     "get_self_wxid",
	FuncGetMsgTypes:     "get_msg_types",
	FuncGetContacts:     "get_contacts",
	FuncGetDbNames:      "get_db_names",
	FuncGetDbTables:     "get_db_tables",
	FuncGetUserInfo:     "get_user_info",
	FuncGetAudioMsg:     "get_audio_msg",
	FuncSendTxt:         "send_txt",
	FuncSendImg:         "send_img",
	FuncSendFile:        "send_file",
	FuncSendRichTxt:     "send_rich_txt",
	FuncSendPatMsg:      "send_pat_msg",
	FuncForwardMsg:      "forward_msg",
	FuncEnableRecvTxt:   "enable_recv_txt",
	FuncDisableRecvTxt:  "disable_recv_txt",
	FuncExecDbQuery:     "exec_db_query",
	FuncAcceptFriend:    "accept_friend",
	FuncRecvTransfer:    "recv_transfer",
	FuncRefreshPyq:      "refresh_pyq",
	FuncDownloadAttach:  "download_attach",
	FuncRevokeMsg:       "revoke_msg",
	FuncRefreshQrcode:   "refresh_qrcode",
	FuncQueryRoomMember: "query_room_member",
	FuncDecryptImage:    "decrypt_image",
	FuncAddRoomMembers:  "add_room_members",
	FuncDelRoomMembers:  "del_room_members",
	FuncInvRoomMembers:  "inv_room_members",
}

func (f Func) String() string {
	if name, ok := funcNames[f]; ok {
		return name
	}
	return fmt.Sprintf("func_0x%02x", uint16(f))
}

// Request is the body of a command frame.
type Request struct {
	Func    Func             `cbor:"func"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// NewRequest encodes payload into a request for fn. A nil payload sends an empty request.
func NewRequest(fn Func, payload any) (Request, error) {
	raw, err := codec.Raw(payload)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s payload: %w", fn, err)
	}
	return Request{Func: fn, Payload: raw}, nil
}

// Response is the body of a reply frame. Status and Str cover the scalar
// replies; structured replies travel in Payload.
type Response struct {
	Func    Func             `cbor:"func"`
	Status  int32            `cbor:"status"`
	Str     string           `cbor:"str,omitempty"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Decode unpacks the structured payload into v.
func (r Response) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%s response carries no payload", r.Func)
	}
	if err := codec.Unmarshal(r.Payload, v); err != nil {
		return newError(KindDecode, r.Func.String(), err)
	}
	return nil
}

// Message is the body of an event frame pushed on the event socket.
type Message struct {
	Kind    string `cbor:"kind,omitempty"`
	ID      uint64 `cbor:"id"`
	Type    uint32 `cbor:"type"`
	IsSelf  bool   `cbor:"is_self"`
	IsGroup bool   `cbor:"is_group"`
	Ts      uint32 `cbor:"ts"`
	RoomID  string `cbor:"roomid,omitempty"`
	Sender  string `cbor:"sender,omitempty"`
	Content string `cbor:"content,omitempty"`
	XML     string `cbor:"xml,omitempty"`
	Thumb   string `cbor:"thumb,omitempty"`
	Extra   string `cbor:"extra,omitempty"`
	Sign    string `cbor:"sign,omitempty"`
}

// RecvFlag is the enable_recv_txt argument; Pyq also subscribes to moments.
type RecvFlag struct {
	Pyq bool `cbor:"pyq" json:"pyq"`
}

// TextMsg sends text to a contact or room; Aters lists comma separated wxids to @.
type TextMsg struct {
	Msg      string `cbor:"msg" json:"msg"`
	Receiver string `cbor:"receiver" json:"receiver"`
	Aters    string `cbor:"aters,omitempty" json:"aters,omitempty"`
}

// PathMsg sends a local image or file.
type PathMsg struct {
	Path     string `cbor:"path" json:"path"`
	Receiver string `cbor:"receiver" json:"receiver"`
}

// RichText is a link card.
type RichText struct {
	Name     string `cbor:"name" json:"name"`
	Account  string `cbor:"account" json:"account"`
	Title    string `cbor:"title" json:"title"`
	Digest   string `cbor:"digest" json:"digest"`
	URL      string `cbor:"url" json:"url"`
	Thumburl string `cbor:"thumburl" json:"thumburl"`
	Receiver string `cbor:"receiver" json:"receiver"`
}

// PatMsg pats a room member.
type PatMsg struct {
	Roomid string `cbor:"roomid" json:"roomid"`
	Wxid   string `cbor:"wxid" json:"wxid"`
}

// ForwardMsg forwards an existing message by id.
type ForwardMsg struct {
	ID       uint64 `cbor:"id" json:"id"`
	Receiver string `cbor:"receiver" json:"receiver"`
}

// AttachMsg identifies a message attachment to download.
type AttachMsg struct {
	ID    uint64 `cbor:"id" json:"id"`
	Thumb string `cbor:"thumb" json:"thumb"`
	Extra string `cbor:"extra" json:"extra"`
}

// AudioMsg saves a voice message into Dir.
type AudioMsg struct {
	ID  uint64 `cbor:"id" json:"id"`
	Dir string `cbor:"dir" json:"dir"`
}

// DecPath decrypts an image from Src into directory Dst.
type DecPath struct {
	Src string `cbor:"src" json:"src"`
	Dst string `cbor:"dst" json:"dst"`
}

// Transfer accepts a money transfer.
type Transfer struct {
	Wxid string `cbor:"wxid" json:"wxid"`
	Tfid string `cbor:"tfid" json:"tfid"`
	Taid string `cbor:"taid" json:"taid"`
}

// DbQuery runs SQL against one of the client databases.
type DbQuery struct {
	DB  string `cbor:"db" json:"db"`
	SQL string `cbor:"sql" json:"sql"`
}

// Verification accepts a friend request.
type Verification struct {
	V3    string `cbor:"v3" json:"v3"`
	V4    string `cbor:"v4" json:"v4"`
	Scene int32  `cbor:"scene" json:"scene"`
}

// MemberMgmt adds, invites or removes room members. Wxids is comma separated.
type MemberMgmt struct {
	Roomid string `cbor:"roomid" json:"roomid"`
	Wxids  string `cbor:"wxids" json:"wxids"`
}

// UserInfo describes the logged in account.
type UserInfo struct {
	Wxid   string `cbor:"wxid" json:"wxid"`
	Name   string `cbor:"name" json:"name"`
	Mobile string `cbor:"mobile" json:"mobile"`
	Home   string `cbor:"home" json:"home"`
}

// Contact is one address book entry.
type Contact struct {
	Wxid     string `cbor:"wxid" json:"wxid"`
	Code     string `cbor:"code" json:"code"`
	Remark   string `cbor:"remark" json:"remark"`
	Name     string `cbor:"name" json:"name"`
	Country  string `cbor:"country" json:"country"`
	Province string `cbor:"province" json:"province"`
	City     string `cbor:"city" json:"city"`
	Gender   int32  `cbor:"gender" json:"gender"`
}

// DbTable is one table of a client database.
type DbTable struct {
	Name string `cbor:"name" json:"name"`
	SQL  string `cbor:"sql" json:"sql"`
}

// DbField is one column value of a query row. Type is 1 int, 2 float, 3 text, 4 blob.
type DbField struct {
	Type    int32  `cbor:"type"`
	Column  string `cbor:"column"`
	Content []byte `cbor:"content"`
}

// DbRow is one query result row.
type DbRow struct {
	Fields []DbField `cbor:"fields"`
}

// RoomMember is one member of a chat room.
type RoomMember struct {
	Wxid  string `cbor:"wxid" json:"wxid"`
	Name  string `cbor:"name" json:"name"`
	State int32  `cbor:"state" json:"state"`
}
