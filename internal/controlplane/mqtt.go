package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	commoncfg "onvif-camera-gateway/common/config"
	mqttcommon "onvif-camera-gateway/common/mqtt"
	"onvif-camera-gateway/internal/identity"
	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"

	"go.uber.org/zap"
)

const (
	hubAPIVersion = "2021-04-12"

	topicTwinResponse = "$iothub/twin/res/#"
	topicDesiredPatch = "$iothub/twin/PATCH/properties/desired/#"
	topicMethods      = "$iothub/methods/POST/#"
)

// MQTTDialer 基于 MQTT 的控制面连接
type MQTTDialer struct {
	Port           int
	QoS            byte
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	TokenTTL       time.Duration
	// BrokerOverride 非空时所有设备连接到该 broker
	BrokerOverride string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Dial 连接、订阅并拉取完整 twin；desired 部分作为第一次 Desired 回调异步投递
func (d *MQTTDialer) Dial(ctx context.Context, desc Descriptor, handlers Handlers) (Connection, error) {
	cfg, err := d.clientConfig(desc)
	if err != nil {
		return nil, err
	}

	logger := d.Logger.With(zap.String("client_id", desc.ClientID()))
	c := &mqttConnection{
		desc:           desc,
		qos:            d.QoS,
		handlers:       handlers,
		logger:         logger,
		metrics:        d.Metrics,
		requestTimeout: d.RequestTimeout,
		pending:        make(map[string]chan twinResponse),
		desiredCh:      make(chan Patch, 16),
		closing:        make(chan struct{}),
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 30 * time.Second
	}

	client, err := mqttcommon.NewClient(cfg, logger, c.onConnectionLost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConnection, err)
	}
	c.client = client

	subs := []struct {
		topic   string
		handler mqttcommon.MessageHandler
	}{
		{topicTwinResponse, c.onTwinResponse},
		{topicDesiredPatch, c.onDesiredPatch},
		{topicMethods, c.onMethod},
	}
	for _, s := range subs {
		if err := client.Subscribe(s.topic, d.QoS, s.handler); err != nil {
			client.Disconnect()
			return nil, fmt.Errorf("%w: %v", models.ErrConnection, err)
		}
	}

	go c.desiredLoop()

	twin, err := c.getTwin(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.enqueueDesired(twin.Desired)

	return c, nil
}

func (d *MQTTDialer) clientConfig(desc Descriptor) (*commoncfg.MQTTConfig, error) {
	broker := desc.Broker
	if broker == "" {
		broker = d.BrokerOverride
	}
	if broker == "" {
		port := d.Port
		if port == 0 {
			port = 8883
		}
		broker = fmt.Sprintf("ssl://%s:%d", desc.Host, port)
	}

	username := desc.Username
	if username == "" && desc.Host != "" {
		username = fmt.Sprintf("%s/%s/?api-version=%s", desc.Host, desc.ClientID(), hubAPIVersion)
	}

	password := desc.Password
	if password == "" && desc.Key != "" {
		resource := fmt.Sprintf("%s/devices/%s", desc.Host, desc.DeviceID)
		if desc.ModuleID != "" {
			resource += "/modules/" + desc.ModuleID
		}
		ttl := d.TokenTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		token, err := identity.SASToken(resource, desc.Key, time.Now().Add(ttl), "")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrConnection, err)
		}
		password = token
	}

	return &commoncfg.MQTTConfig{
		Broker:         broker,
		ClientID:       desc.ClientID(),
		Username:       username,
		Password:       password,
		QoS:            d.QoS,
		ConnectTimeout: d.ConnectTimeout,
	}, nil
}

type twinResponse struct {
	status  int
	payload []byte
}

type twinDocument struct {
	Desired  Patch `json:"desired"`
	Reported Patch `json:"reported"`
}

type mqttConnection struct {
	client         *mqttcommon.Client
	desc           Descriptor
	qos            byte
	handlers       Handlers
	logger         *zap.Logger
	metrics        *metrics.Metrics
	requestTimeout time.Duration

	rid       atomic.Uint64
	mu        sync.Mutex
	pending   map[string]chan twinResponse
	desiredCh chan Patch
	closing   chan struct{}
	closeOnce sync.Once
	lostOnce  sync.Once

	// lastDesired 已投递的最大 $version，只由 desiredLoop 访问
	lastDesired int64
}

func (c *mqttConnection) eventsTopic() string {
	if c.desc.ModuleID != "" {
		return fmt.Sprintf("devices/%s/modules/%s/messages/events/", c.desc.DeviceID, c.desc.ModuleID)
	}
	return fmt.Sprintf("devices/%s/messages/events/", c.desc.DeviceID)
}

func (c *mqttConnection) SendTelemetry(_ context.Context, data map[string]interface{}) error {
	if len(data) == 0 {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	if err := c.client.Publish(c.eventsTopic(), c.qos, false, payload); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConnection, err)
	}
	c.logger.Debug("Telemetry sent", zap.ByteString("payload", payload))
	return nil
}

func (c *mqttConnection) UpdateReported(ctx context.Context, patch Patch) error {
	if len(patch) == 0 {
		return nil
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal reported properties: %w", err)
	}
	res, err := c.request(ctx, "$iothub/twin/PATCH/properties/reported/", payload)
	if err != nil {
		return err
	}
	if res.status < 200 || res.status > 299 {
		return fmt.Errorf("%w: reported properties update returned %d", models.ErrConnection, res.status)
	}
	c.logger.Debug("Reported properties updated", zap.ByteString("patch", payload))
	return nil
}

func (c *mqttConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.client.Disconnect()
	})
	return nil
}

func (c *mqttConnection) getTwin(ctx context.Context) (twinDocument, error) {
	var twin twinDocument
	res, err := c.request(ctx, "$iothub/twin/GET/", nil)
	if err != nil {
		return twin, err
	}
	if res.status != 200 {
		return twin, fmt.Errorf("%w: get twin returned %d", models.ErrConnection, res.status)
	}
	if err := json.Unmarshal(res.payload, &twin); err != nil {
		return twin, fmt.Errorf("%w: decode twin: %v", models.ErrConnection, err)
	}
	if twin.Desired == nil {
		twin.Desired = Patch{}
	}
	return twin, nil
}

// request 发布带 $rid 的请求并等待 twin 响应
func (c *mqttConnection) request(ctx context.Context, topic string, payload []byte) (twinResponse, error) {
	rid := strconv.FormatUint(c.rid.Add(1), 10)
	ch := make(chan twinResponse, 1)

	c.mu.Lock()
	c.pending[rid] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, rid)
		c.mu.Unlock()
	}()

	if payload == nil {
		payload = []byte{}
	}
	if err := c.client.Publish(topic+"?$rid="+rid, c.qos, false, payload); err != nil {
		return twinResponse{}, fmt.Errorf("%w: %v", models.ErrConnection, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return twinResponse{}, fmt.Errorf("%w: waiting for %s: %v", models.ErrConnection, topic, ctx.Err())
	case <-c.closing:
		return twinResponse{}, fmt.Errorf("%w: connection closed", models.ErrConnection)
	}
}

// $iothub/twin/res/{status}/?$rid={rid}
func (c *mqttConnection) onTwinResponse(topic string, payload []byte) error {
	segments, query := splitTopic(topic)
	if len(segments) < 4 {
		return fmt.Errorf("unexpected twin response topic %s", topic)
	}
	status, err := strconv.Atoi(segments[3])
	if err != nil {
		return fmt.Errorf("unexpected twin response status in %s", topic)
	}
	rid := query.Get("$rid")

	c.mu.Lock()
	ch, ok := c.pending[rid]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- twinResponse{status: status, payload: payload}:
		default:
		}
	}
	return nil
}

func (c *mqttConnection) onDesiredPatch(_ string, payload []byte) error {
	patch := Patch{}
	if err := json.Unmarshal(payload, &patch); err != nil {
		return fmt.Errorf("decode desired patch: %w", err)
	}
	c.enqueueDesired(patch)
	return nil
}

// $iothub/methods/POST/{name}/?$rid={rid}
func (c *mqttConnection) onMethod(topic string, payload []byte) error {
	segments, query := splitTopic(topic)
	if len(segments) < 4 {
		return fmt.Errorf("unexpected method topic %s", topic)
	}
	name := segments[3]
	rid := query.Get("$rid")

	send := func(resp models.CommandResponse) error {
		body, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		// 外层状态固定 200，业务状态在响应体内
		return c.client.Publish(fmt.Sprintf("$iothub/methods/res/200/?$rid=%s", rid), c.qos, false, body)
	}

	handler, ok := c.handlers.Commands[name]
	if !ok {
		c.logger.Warn("Received unknown command", zap.String("command", name))
		body, _ := json.Marshal(models.NewCommandResponse(404, "Unknown command "+name, nil))
		return c.client.Publish(fmt.Sprintf("$iothub/methods/res/404/?$rid=%s", rid), c.qos, false, body)
	}

	req := CommandRequest{Name: name, Payload: json.RawMessage(payload)}
	go Dispatch(context.Background(), c.logger, c.metrics, req, handler, send)
	return nil
}

func (c *mqttConnection) onConnectionLost(err error) {
	c.lostOnce.Do(func() {
		if c.handlers.Error != nil {
			c.handlers.Error(fmt.Errorf("%w: %v", models.ErrConnection, err))
		}
	})
}

func (c *mqttConnection) enqueueDesired(p Patch) {
	select {
	case c.desiredCh <- p:
	case <-c.closing:
	}
}

func (c *mqttConnection) desiredLoop() {
	for {
		select {
		case p := <-c.desiredCh:
			if v, ok := PatchVersion(p); ok {
				if v <= c.lastDesired {
					c.logger.Debug("Dropping stale desired properties",
						zap.Int64("version", v),
						zap.Int64("applied_version", c.lastDesired),
					)
					continue
				}
				c.lastDesired = v
			}
			c.deliverDesired(p)
		case <-c.closing:
			return
		}
	}
}

func (c *mqttConnection) deliverDesired(p Patch) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Desired properties handler panicked", zap.Any("panic", r))
		}
	}()
	if c.handlers.Desired != nil {
		c.handlers.Desired(p)
	}
}

func splitTopic(topic string) ([]string, url.Values) {
	path, rawQuery := topic, ""
	if i := strings.Index(topic, "?"); i >= 0 {
		path, rawQuery = topic[:i], topic[i+1:]
	}
	query, _ := url.ParseQuery(rawQuery)
	return strings.Split(strings.TrimSuffix(path, "/"), "/"), query
}
