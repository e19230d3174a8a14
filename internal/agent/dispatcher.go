package agent

import (
	"context"
	"time"

	"firestige.xyz/gbsim/internal/manscdp"
	"firestige.xyz/gbsim/internal/ptz"
	"firestige.xyz/gbsim/internal/sip"
)

// dispatcher answers the platform's MANSCDP commands arriving over MESSAGE.
// GB28181 answers in two steps: a 200 OK closing the inbound transaction,
// then a separate MESSAGE carrying the query result.
type dispatcher struct {
	a *DeviceAgent
}

func newDispatcher(a *DeviceAgent) *dispatcher {
	return &dispatcher{a: a}
}

func (d *dispatcher) handle(req *sip.Message) {
	// 未注册时平台不应该向本设备下发命令，丢弃不回
	if s := d.a.reg.currentState(); s != StateRegistered && s != StateExpiring {
		d.a.logger.WithField("state", s.String()).Debug("dropping command while not registered")
		return
	}

	env, err := manscdp.DecodeEnvelope(req.Body)
	if err != nil {
		d.a.logger.WithError(err).Warn("undecodable command body")
		d.a.respond(sip.NewResponseFromRequest(400, "", req))
		return
	}

	logger := d.a.logger.
		WithField("cmd", env.CmdType).
		WithField("sn", env.SN)

	var result interface{}
	switch env.CmdType {
	case manscdp.CmdCatalog:
		result = d.catalog(env)
	case manscdp.CmdDeviceInfo:
		result = d.deviceInfo(env)
	case manscdp.CmdDeviceStatus:
		result = d.deviceStatus(env)
	case manscdp.CmdDeviceControl:
		result = d.deviceControl(env)
	case manscdp.CmdRecordInfo:
		result = d.recordInfo(env)
	default:
		logger.Warn("unsupported command type, acknowledged without result")
	}

	d.a.respond(sip.NewResponseFromRequest(200, "", req))

	if result != nil {
		go d.sendResult(env.CmdType, result)
	}
}

// sendResult delivers one query result as its own MESSAGE transaction.
func (d *dispatcher) sendResult(cmdType string, result interface{}) {
	body, err := manscdp.Encode(result)
	if err != nil {
		d.a.logger.WithError(err).WithField("cmd", cmdType).Error("encoding command result")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.a.cfg.TransactionTimeout)
	defer cancel()

	p, err := d.a.txn.Send(d.a.newMessage(body))
	if err != nil {
		d.a.logger.WithError(err).WithField("cmd", cmdType).Warn("sending command result")
		return
	}
	resp, err := p.Wait(ctx)
	if err != nil {
		d.a.logger.WithError(err).WithField("cmd", cmdType).Warn("command result not confirmed")
		return
	}
	if resp.Status != 200 {
		d.a.logger.WithField("cmd", cmdType).
			Warnf("platform answered command result with %d %s", resp.Status, resp.Reason)
	}
}

func (d *dispatcher) catalog(env *manscdp.Envelope) *manscdp.CatalogResponse {
	dev := d.a.device
	items := make([]manscdp.CatalogItem, 0, len(dev.Channels))
	for _, ch := range dev.Channels {
		items = append(items, manscdp.CatalogItem{
			DeviceID:     ch.ChannelID,
			Name:         ch.Name,
			Manufacturer: dev.Manufacturer,
			Model:        dev.Model,
			Owner:        "Owner",
			CivilCode:    d.a.server.Domain,
			Address:      "Address",
			Parental:     0,
			ParentID:     dev.DeviceID,
			RegisterWay:  1,
			Secrecy:      0,
			Status:       "ON",
		})
	}
	return manscdp.NewCatalogResponse(dev.DeviceID, env.SN, items)
}

func (d *dispatcher) deviceInfo(env *manscdp.Envelope) *manscdp.DeviceInfoResponse {
	dev := d.a.device
	return &manscdp.DeviceInfoResponse{
		CmdType:      manscdp.CmdDeviceInfo,
		SN:           env.SN,
		DeviceID:     dev.DeviceID,
		Result:       "OK",
		DeviceName:   dev.Name,
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		Firmware:     dev.Firmware,
		Channel:      len(dev.Channels),
	}
}

func (d *dispatcher) deviceStatus(env *manscdp.Envelope) *manscdp.DeviceStatusResponse {
	return &manscdp.DeviceStatusResponse{
		CmdType:    manscdp.CmdDeviceStatus,
		SN:         env.SN,
		DeviceID:   env.DeviceID,
		Result:     "OK",
		Online:     "ONLINE",
		Status:     "OK",
		Encode:     "ON",
		Record:     "OFF",
		DeviceTime: time.Now().Format("2006-01-02T15:04:05"),
	}
}

// deviceControl decodes the PTZ frame for the log. The simulator has no
// motors, decode failures are logged and the command acknowledged anyway.
func (d *dispatcher) deviceControl(env *manscdp.Envelope) *manscdp.DeviceControlResponse {
	if env.PTZCmd != "" {
		cmd, err := ptz.Decode(env.PTZCmd)
		if err != nil {
			d.a.logger.WithError(err).WithField("ptz", env.PTZCmd).Warn("bad PTZ frame")
		} else if cmd.IsStop() {
			d.a.logger.WithField("channel", env.DeviceID).Info("ptz stop")
		} else {
			d.a.logger.WithField("channel", env.DeviceID).Infof("ptz %s", cmd)
		}
	}
	return &manscdp.DeviceControlResponse{
		CmdType:  manscdp.CmdDeviceControl,
		SN:       env.SN,
		DeviceID: env.DeviceID,
		Result:   "OK",
	}
}

// recordInfo answers with an empty list, the simulator stores no footage.
func (d *dispatcher) recordInfo(env *manscdp.Envelope) *manscdp.RecordInfoResponse {
	return &manscdp.RecordInfoResponse{
		CmdType:    manscdp.CmdRecordInfo,
		SN:         env.SN,
		DeviceID:   env.DeviceID,
		Name:       d.a.device.Name,
		SumNum:     0,
		RecordList: manscdp.RecordList{Num: 0},
	}
}
