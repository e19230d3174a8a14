package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/gbsim/internal/sip"
)

// newCommand builds an inbound MESSAGE as the platform would send it.
func newCommand(body string) *sip.Message {
	req := sip.NewRequest(sip.MethodMessage, "sip:"+testDeviceID+"@"+testRealm)
	req.Header.
		Add("Via", "SIP/2.0/UDP 10.0.0.1:5060;branch="+sip.NewBranch()).
		Add("From", fmt.Sprintf("<sip:%s@%s>;tag=platform1", testServerID, testRealm)).
		Add("To", fmt.Sprintf("<sip:%s@%s>", testDeviceID, testRealm)).
		Add("Call-ID", "cmd-"+sip.NewTag()).
		Add("CSeq", "1 MESSAGE").
		Add("Content-Type", "Application/MANSCDP+xml")
	req.Body = []byte(body)
	return req
}

func queryBody(cmdType string, sn int) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Query>
<CmdType>%s</CmdType>
<SN>%d</SN>
<DeviceID>%s</DeviceID>
</Query>`, cmdType, sn, testDeviceID)
}

func TestDispatchDroppedWhileUnregistered(t *testing.T) {
	h := newTestAgent(t, nil)
	h.agent.reg.setState(StateUnregistered)

	h.agent.disp.handle(newCommand(queryBody("DeviceInfo", 1)))
	assert.Zero(t, h.conn.count(), "commands before registration get no answer at all")
}

func TestDispatchMalformedBody(t *testing.T) {
	h := newTestAgent(t, nil)
	h.agent.reg.setState(StateRegistered)

	h.agent.disp.handle(newCommand("this is not xml"))

	resp := awaitMessage(t, h.conn, 0)
	require.True(t, resp.IsResponse())
	assert.Equal(t, 400, resp.Status)
}

func TestDispatchCatalog(t *testing.T) {
	h := newTestAgent(t, nil)
	h.agent.reg.setState(StateRegistered)

	h.agent.disp.handle(newCommand(queryBody("Catalog", 17)))

	ack := awaitMessage(t, h.conn, 0)
	require.True(t, ack.IsResponse())
	assert.Equal(t, 200, ack.Status)

	// 查询结果走独立的MESSAGE
	result := awaitMessage(t, h.conn, 1)
	require.Equal(t, sip.MethodMessage, result.Method)
	body := string(result.Body)
	assert.Contains(t, body, "<CmdType>Catalog</CmdType>")
	assert.Contains(t, body, "<SN>17</SN>")
	assert.Contains(t, body, "<SumNum>1</SumNum>")
	assert.Contains(t, body, `<DeviceList Num="1">`)
	assert.Contains(t, body, "<DeviceID>"+testChannelID+"</DeviceID>")
	assert.Contains(t, body, "<ParentID>"+testDeviceID+"</ParentID>")
	assert.Contains(t, body, "<Status>ON</Status>")
}

func TestDispatchDeviceInfo(t *testing.T) {
	h := newTestAgent(t, nil)
	h.agent.reg.setState(StateRegistered)

	h.agent.disp.handle(newCommand(queryBody("DeviceInfo", 3)))

	awaitMessage(t, h.conn, 0)
	result := awaitMessage(t, h.conn, 1)
	body := string(result.Body)
	assert.Contains(t, body, "<CmdType>DeviceInfo</CmdType>")
	assert.Contains(t, body, "<Result>OK</Result>")
	assert.Contains(t, body, "<Manufacturer>GBSim</Manufacturer>")
	assert.Contains(t, body, "<Channel>1</Channel>")
}

func TestDispatchDeviceStatus(t *testing.T) {
	h := newTestAgent(t, nil)
	h.agent.reg.setState(StateRegistered)

	h.agent.disp.handle(newCommand(queryBody("DeviceStatus", 5)))

	awaitMessage(t, h.conn, 0)
	result := awaitMessage(t, h.conn, 1)
	body := string(result.Body)
	assert.Contains(t, body, "<Online>ONLINE</Online>")
	assert.Contains(t, body, "<Status>OK</Status>")
	assert.Contains(t, body, "<DeviceTime>")
}

func TestDispatchDeviceControlPTZ(t *testing.T) {
	h := newTestAgent(t, nil)
	h.agent.reg.setState(StateRegistered)

	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Control>
<CmdType>DeviceControl</CmdType>
<SN>9</SN>
<DeviceID>%s</DeviceID>
<PTZCmd>A50F01080080003D</PTZCmd>
</Control>`, testChannelID)
	h.agent.disp.handle(newCommand(body))

	ack := awaitMessage(t, h.conn, 0)
	assert.Equal(t, 200, ack.Status)

	result := awaitMessage(t, h.conn, 1)
	rbody := string(result.Body)
	assert.Contains(t, rbody, "<CmdType>DeviceControl</CmdType>")
	assert.Contains(t, rbody, "<Result>OK</Result>")
}

func TestDispatchDeviceControlBadPTZStillAcked(t *testing.T) {
	h := newTestAgent(t, nil)
	h.agent.reg.setState(StateRegistered)

	// 校验和错误的PTZ帧
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Control>
<CmdType>DeviceControl</CmdType>
<SN>10</SN>
<DeviceID>%s</DeviceID>
<PTZCmd>A50F01080080003E</PTZCmd>
</Control>`, testChannelID)
	h.agent.disp.handle(newCommand(body))

	ack := awaitMessage(t, h.conn, 0)
	assert.Equal(t, 200, ack.Status)

	result := awaitMessage(t, h.conn, 1)
	assert.Contains(t, string(result.Body), "<Result>OK</Result>")
}

func TestDispatchRecordInfoEmpty(t *testing.T) {
	h := newTestAgent(t, nil)
	h.agent.reg.setState(StateRegistered)

	h.agent.disp.handle(newCommand(queryBody("RecordInfo", 21)))

	awaitMessage(t, h.conn, 0)
	result := awaitMessage(t, h.conn, 1)
	body := string(result.Body)
	assert.Contains(t, body, "<CmdType>RecordInfo</CmdType>")
	assert.Contains(t, body, "<SumNum>0</SumNum>")
}

func TestDispatchUnknownCmdType(t *testing.T) {
	h := newTestAgent(t, nil)
	h.agent.reg.setState(StateRegistered)

	h.agent.disp.handle(newCommand(queryBody("ConfigDownload", 2)))

	ack := awaitMessage(t, h.conn, 0)
	assert.Equal(t, 200, ack.Status)
	assert.Equal(t, 1, h.conn.count(), "unknown commands get no result message")
}
