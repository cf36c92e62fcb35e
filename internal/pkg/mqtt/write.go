package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anicoll/pollbridge/internal/pkg/model"
)

// RegisterEntity publishes the retained discovery config once per entity.
func (s *service) RegisterEntity(_ context.Context, info model.EntityInfo) error {
	s.mu.Lock()
	_, exists := s.configured[info.UniqueID]
	s.mu.Unlock()
	if exists {
		return nil
	}

	payload, err := json.Marshal(s.registerMsg(info))
	if err != nil {
		return err
	}
	if err := s.publish(s.base(info)+"/config", 1, true, payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.configured[info.UniqueID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *service) Write(ctx context.Context, states []model.State) error {
	var errs []error
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.PublishState(st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishState sends availability and, when available, the state payload.
func (s *service) PublishState(st model.State) error {
	base := s.base(st.EntityInfo)
	availability := payloadOffline
	if st.Available {
		availability = payloadOnline
	}
	if err := s.publish(base+"/availability", 1, true, availability); err != nil {
		return err
	}
	if !st.Available {
		return nil
	}

	msg := model.StatusMessage{
		Value:     st.Value,
		Timestamp: st.Timestamp.Unix(),
	}
	if model.IsNumeric(st.Unit) {
		msg.Unit = st.Unit
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.publish(base+"/state", 0, false, payload)
}

func (s *service) base(info model.EntityInfo) string {
	return fmt.Sprintf("%s/%s/%s/%s", s.prefix, info.Platform, info.Device.Identifier(), info.ObjectID())
}

func (s *service) registerMsg(info model.EntityInfo) model.RegisterMessage {
	device := info.Device
	name := device.Name
	if name == "" {
		name = fmt.Sprintf("%s %s", device.Model, device.SerialNumber)
	}
	msg := model.RegisterMessage{
		Tilda:             s.base(info),
		Name:              info.Name,
		ID:                info.UniqueID,
		ObjectID:          info.ObjectID(),
		StateTopic:        "~/state",
		AvailabilityTopic: "~/availability",
		ValueTemplate:     "{{ value_json.value }}",
		Unit:              info.Unit,
		DeviceClass:       info.DeviceClass,
		StateClass:        info.StateClass,
		Icon:              info.Icon,
		Category:          info.Category,
		Device: model.RegisterDevice{
			Name:         name,
			Identifiers:  []string{device.Identifier()},
			Model:        device.Model,
			Manufacturer: device.Manufacturer,
			SWVersion:    device.SWVersion,
		},
	}
	if info.Platform != model.PlatformSensor {
		msg.PayloadOn = model.StateOn
		msg.PayloadOff = model.StateOff
	}
	return msg
}
