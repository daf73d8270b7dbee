// Package monitor emits structured events to the external
// monitoring/alerting collaborator. Emission is fire-and-forget; alert
// delivery is not this service's responsibility.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/quantarc/execd/internal/constant"
	"github.com/quantarc/execd/internal/entity"
	"github.com/quantarc/execd/internal/util"
	"github.com/sirupsen/logrus"
)

type Emitter interface {
	Emit(eventType entity.MonitorEventType, detail map[string]any)
}

var monitorSubjects = map[entity.MonitorEventType]string{
	entity.MonitorConnectionChange:   constant.MonitorSubjectConnection,
	entity.MonitorReconnectFailed:    constant.MonitorSubjectConnection,
	entity.MonitorReconnectExhausted: constant.MonitorSubjectConnection,
	entity.MonitorOrderRejected:      constant.MonitorSubjectOrderRejected,
	entity.MonitorRiskRejected:       constant.MonitorSubjectOrderRejected,
	entity.MonitorAnomaly:            constant.MonitorSubjectAnomaly,
	entity.MonitorConsistency:        constant.MonitorSubjectAnomaly,
	entity.MonitorReconcile:          constant.MonitorSubjectReconcile,
}

type JetstreamEmitter struct {
	js nats.JetStreamContext
}

func NewJetstreamEmitter(js nats.JetStreamContext) *JetstreamEmitter {
	return &JetstreamEmitter{js: js}
}

func (e *JetstreamEmitter) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.MonitorStreamName,
		Subjects:  []string{constant.MonitorStreamSubjectAll},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	}

	stream, err := e.js.StreamInfo(constant.MonitorStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.MonitorStreamName)
		_, err = e.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.MonitorStreamName)
	_, err = e.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

func (e *JetstreamEmitter) Emit(eventType entity.MonitorEventType, detail map[string]any) {
	subject, ok := monitorSubjects[eventType]
	if !ok {
		subject = constant.MonitorSubjectAnomaly
	}

	event := entity.MonitorEvent{
		Type:      eventType,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}

	err := util.PublishEvent(e.js, subject, event)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"subject": subject,
			"type":    eventType,
		}).Errorf("failed to publish monitor event: %v", err)
	}
}

// NopEmitter discards events. Used when monitoring is not configured.
type NopEmitter struct{}

func NewNopEmitter() *NopEmitter {
	return &NopEmitter{}
}

func (NopEmitter) Emit(entity.MonitorEventType, map[string]any) {}
