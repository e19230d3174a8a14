// Package manscdp implements the GB/T 28181 MANSCDP+xml command bodies
// exchanged over SIP MESSAGE.
package manscdp

import "encoding/xml"

// CmdType values of the closed command set this engine understands.
const (
	CmdCatalog       = "Catalog"
	CmdDeviceInfo    = "DeviceInfo"
	CmdDeviceStatus  = "DeviceStatus"
	CmdDeviceControl = "DeviceControl"
	CmdKeepalive     = "Keepalive"
	CmdRecordInfo    = "RecordInfo"
)

// Envelope captures the fields shared by every inbound MANSCDP document,
// plus the extras of the commands we answer. RootTag distinguishes
// Query / Control / Notify.
type Envelope struct {
	XMLName  xml.Name
	CmdType  string `xml:"CmdType"`
	SN       int    `xml:"SN"`
	DeviceID string `xml:"DeviceID"`

	// DeviceControl
	PTZCmd string `xml:"PTZCmd"`

	// RecordInfo query
	StartTime string `xml:"StartTime"`
	EndTime   string `xml:"EndTime"`
	Type      string `xml:"Type"`
}

// RootTag returns the local name of the document element.
func (e *Envelope) RootTag() string { return e.XMLName.Local }

// ─── Outbound notifications ───

// KeepaliveNotify is the periodic heartbeat (命令类型: 设备状态信息报送).
type KeepaliveNotify struct {
	XMLName  xml.Name `xml:"Notify"`
	CmdType  string   `xml:"CmdType"`
	SN       int      `xml:"SN"`
	DeviceID string   `xml:"DeviceID"`
	Status   string   `xml:"Status"`
}

func NewKeepaliveNotify(deviceID string, sn int) *KeepaliveNotify {
	return &KeepaliveNotify{CmdType: CmdKeepalive, SN: sn, DeviceID: deviceID, Status: "OK"}
}

// ─── Outbound query responses ───

// CatalogItem is one channel entry of a catalog response.
type CatalogItem struct {
	DeviceID     string `xml:"DeviceID"`
	Name         string `xml:"Name"`
	Manufacturer string `xml:"Manufacturer"`
	Model        string `xml:"Model"`
	Owner        string `xml:"Owner"`
	CivilCode    string `xml:"CivilCode"`
	Address      string `xml:"Address"`
	Parental     int    `xml:"Parental"`
	ParentID     string `xml:"ParentID"`
	RegisterWay  int    `xml:"RegisterWay"`
	Secrecy      int    `xml:"Secrecy"`
	Status       string `xml:"Status"`
}

// CatalogDeviceList wraps the item list with its Num attribute.
type CatalogDeviceList struct {
	Num   int           `xml:"Num,attr"`
	Items []CatalogItem `xml:"Item"`
}

// CatalogResponse answers a Catalog query with the full channel list.
type CatalogResponse struct {
	XMLName    xml.Name          `xml:"Response"`
	CmdType    string            `xml:"CmdType"`
	SN         int               `xml:"SN"`
	DeviceID   string            `xml:"DeviceID"`
	SumNum     int               `xml:"SumNum"`
	DeviceList CatalogDeviceList `xml:"DeviceList"`
}

func NewCatalogResponse(deviceID string, sn int, items []CatalogItem) *CatalogResponse {
	return &CatalogResponse{
		CmdType:  CmdCatalog,
		SN:       sn,
		DeviceID: deviceID,
		SumNum:   len(items),
		DeviceList: CatalogDeviceList{
			Num:   len(items),
			Items: items,
		},
	}
}

// DeviceInfoResponse answers a DeviceInfo query.
type DeviceInfoResponse struct {
	XMLName      xml.Name `xml:"Response"`
	CmdType      string   `xml:"CmdType"`
	SN           int      `xml:"SN"`
	DeviceID     string   `xml:"DeviceID"`
	Result       string   `xml:"Result"`
	DeviceName   string   `xml:"DeviceName"`
	Manufacturer string   `xml:"Manufacturer"`
	Model        string   `xml:"Model"`
	Firmware     string   `xml:"Firmware"`
	Channel      int      `xml:"Channel"`
}

// DeviceStatusResponse answers a DeviceStatus query.
type DeviceStatusResponse struct {
	XMLName    xml.Name `xml:"Response"`
	CmdType    string   `xml:"CmdType"`
	SN         int      `xml:"SN"`
	DeviceID   string   `xml:"DeviceID"`
	Result     string   `xml:"Result"`
	Online     string   `xml:"Online"`
	Status     string   `xml:"Status"`
	Encode     string   `xml:"Encode"`
	Record     string   `xml:"Record"`
	DeviceTime string   `xml:"DeviceTime"`
}

// DeviceControlResponse acknowledges a DeviceControl command.
type DeviceControlResponse struct {
	XMLName  xml.Name `xml:"Response"`
	CmdType  string   `xml:"CmdType"`
	SN       int      `xml:"SN"`
	DeviceID string   `xml:"DeviceID"`
	Result   string   `xml:"Result"`
}

// RecordList wraps recording entries with the Num attribute.
type RecordList struct {
	Num   int          `xml:"Num,attr"`
	Items []RecordItem `xml:"Item"`
}

// RecordItem is one recording segment. The simulator keeps no recordings,
// the type exists so RecordInfo answers are schema complete.
type RecordItem struct {
	DeviceID  string `xml:"DeviceID"`
	Name      string `xml:"Name"`
	StartTime string `xml:"StartTime"`
	EndTime   string `xml:"EndTime"`
	Type      string `xml:"Type"`
}

// RecordInfoResponse answers a RecordInfo query.
type RecordInfoResponse struct {
	XMLName    xml.Name   `xml:"Response"`
	CmdType    string     `xml:"CmdType"`
	SN         int        `xml:"SN"`
	DeviceID   string     `xml:"DeviceID"`
	Name       string     `xml:"Name"`
	SumNum     int        `xml:"SumNum"`
	RecordList RecordList `xml:"RecordList"`
}
