/*Package bridge embeds an MQTT broker for device ingress.

Devices authenticate their CONNECT with a bearer token in the password
field. A publish to data/<resource> runs as a scoped upsert under the
device's identity, so the permission rules apply to MQTT traffic the
same way they apply to HTTP. Change events go back out on
notify/<resource>/<kind>; devices may only subscribe to streams of
resources they are allowed to read. Topics outside the two prefixes
pass through the broker untouched.
*/
package bridge

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/csql"
	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/logger"
	"github.com/relabs-tech/limen/core/rules"
	"github.com/relabs-tech/limen/core/translate"
)

const (
	dataPrefix   = "data/"
	notifyPrefix = "notify/"
)

// Broker is the embedded MQTT ingress.
type Broker struct {
	p *plugin
}

// Builder is the input to NewBroker
type Builder struct {
	// Address is the TCP listen address, e.g. ":1883". Mandatory.
	Address string
	// Verifier authenticates the CONNECT password as a bearer token.
	// Mandatory.
	Verifier access.Verifier
	// Rules decide which change streams a device may subscribe to.
	// Mandatory.
	Rules *rules.Registry
	// Translator scopes the upserts devices publish. Mandatory.
	Translator *translate.Translator
	// Executor runs the scoped upserts. Mandatory.
	Executor *translate.Executor
	// DB is the postgres database. Mandatory.
	DB *csql.DB
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln net.Listener

	verifier   access.Verifier
	rules      *rules.Registry
	translator *translate.Translator
	executor   *translate.Executor
	db         *csql.DB

	// identities maps client ids to verified identities. Entries are
	// overwritten on reconnect, the map is bounded by the device fleet.
	identityMux sync.RWMutex
	identities  map[string]*access.Identity

	service gmqtt.Server
}

// NewBroker creates the bridge. The broker does not accept connections
// until Run is called.
func NewBroker(bb *Builder) *Broker {
	if bb.Verifier == nil {
		panic("missing verifier")
	}
	if bb.Rules == nil {
		panic("missing rules registry")
	}
	if bb.Translator == nil {
		panic("missing translator")
	}
	if bb.Executor == nil {
		panic("missing executor")
	}
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Address == "" {
		panic("missing listen address")
	}
	ln, err := net.Listen("tcp", bb.Address)
	if err != nil {
		panic(err)
	}
	return &Broker{
		p: &plugin{
			ln:         ln,
			verifier:   bb.Verifier,
			rules:      bb.Rules,
			translator: bb.Translator,
			executor:   bb.Executor,
			db:         bb.DB,
			identities: make(map[string]*access.Identity),
		},
	}
}

// Run serves MQTT until the context ends.
func (b *Broker) Run(ctx context.Context) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infoln("mqtt bridge listening on", b.p.ln.Addr())
	<-ctx.Done()
	s.Stop(context.Background())
	return nil
}

// Notify republishes one change event to the matching notify topic.
// The realtime notifier and this method share the payload shape.
func (b *Broker) Notify(resource string, kind core.ChangeKind, record, oldRecord map[string]any) {
	if b.p.service == nil {
		return
	}
	payload := map[string]any{
		"resource":   resource,
		"changeKind": kind,
		"record":     record,
	}
	if oldRecord != nil {
		payload["oldRecord"] = oldRecord
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := gmqtt.NewMessage(notifyPrefix+resource+"/"+string(kind), data, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "limen bridge" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) identity(clientID string) *access.Identity {
	p.identityMux.RLock()
	defer p.identityMux.RUnlock()
	return p.identities[clientID]
}

// authorizeConnect verifies the bearer token and remembers the identity
// for the lifetime of the client id.
func (p *plugin) authorizeConnect(ctx context.Context, clientID, token string) bool {
	identity, err := p.verifier.Verify(ctx, token)
	if err != nil || identity == nil || !identity.Authenticated() {
		logger.Default().Infoln("mqtt connect denied for client", clientID)
		return false
	}
	p.identityMux.Lock()
	p.identities[clientID] = identity
	p.identityMux.Unlock()
	logger.Default().Debugln("mqtt connect", clientID, "as", identity.Subject)
	return true
}

// OnConnectWrapper authenticates clients via bearer tokens
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		reader := client.OptionsReader()
		if !p.authorizeConnect(ctx, reader.ClientID(), reader.Password()) {
			return packets.CodeNotAuthorized
		}
		return connect(ctx, client)
	}
}

// ingest runs one data/<resource> publish as a scoped upsert.
func (p *plugin) ingest(ctx context.Context, clientID, resource string, payload []byte) error {
	identity := p.identity(clientID)
	if identity == nil {
		return fault.Auth.New("no verified identity for client '%s'", clientID)
	}
	if resource == "" || strings.Contains(resource, "/") {
		return fault.Validation.New("invalid data topic")
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fault.Validation.New("invalid json payload")
	}
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, identity.Subject)
	q, err := p.translator.Translate(identity, core.OperationUpsert, &translate.Request{
		Resource: resource,
		Data:     doc,
	})
	if err != nil {
		return err
	}
	result, err := p.executor.Execute(ctx, p.db, q)
	if err != nil {
		return err
	}
	rlog.Debugf("mqtt upsert on %s: %d rows", resource, result.RowsAffected)
	return nil
}

// OnMsgArrivedWrapper intercepts messages: notify topics are
// server-originated and cannot be spoofed, data topics turn into
// scoped upserts and are consumed. Everything else passes through.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		topic := msg.Topic()
		clientID := client.OptionsReader().ClientID()
		switch {
		case strings.HasPrefix(topic, notifyPrefix):
			logger.Default().Infoln("mqtt publish to notify topic denied for client", clientID)
			return false
		case strings.HasPrefix(topic, dataPrefix):
			resource := strings.TrimPrefix(topic, dataPrefix)
			if err := p.ingest(ctx, clientID, resource, msg.Payload()); err != nil {
				logger.Default().WithError(err).Infoln("mqtt upsert denied for client", clientID)
			}
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// allowSubscription enforces the topic policy: no subscriptions on the
// write channel, change streams only for resources the identity may
// read, free topics for everything else. A wildcard in the first topic
// level would span the reserved prefixes and is denied.
func (p *plugin) allowSubscription(clientID, name string) bool {
	if first, _, _ := strings.Cut(name, "/"); first == "#" || first == "+" {
		return false
	}
	if strings.HasPrefix(name, dataPrefix) {
		return false
	}
	if !strings.HasPrefix(name, notifyPrefix) {
		return true
	}
	identity := p.identity(clientID)
	if identity == nil {
		return false
	}
	parts := strings.Split(strings.TrimPrefix(name, notifyPrefix), "/")
	if len(parts) != 2 {
		return false
	}
	resource, kind := parts[0], parts[1]
	switch kind {
	case string(core.ChangeInsert), string(core.ChangeUpdate), string(core.ChangeDelete), "+":
	default:
		return false
	}
	rule, ok := p.rules.Lookup(resource)
	if !ok || !rule.Allows(core.OperationSelect) {
		return false
	}
	return identity.Satisfies(rule.RequiredRole)
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if !p.allowSubscription(clientID, topic.Name) {
			logger.Default().Infoln("mqtt subscribe on", topic.Name, "denied for client", clientID)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logger.Default().Debugln("mqtt subscribed", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}
