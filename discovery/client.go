package discovery

import (
	"context"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
)

// NodeAttrs holds the attributes of one node that discovery cares about.
// Zero values mean the server did not report the attribute.
type NodeAttrs struct {
	BrowseName  string
	NodeClass   ua.NodeClass
	DataType    uint32
	AccessLevel uint8
}

// Browser is the client capability the walker needs: list the children of a
// node and read its attributes. The production implementation talks OPC UA
// through gopcua; tests substitute a fake.
type Browser interface {
	Children(id *ua.NodeID) ([]*ua.NodeID, error)
	Attributes(id *ua.NodeID) (NodeAttrs, error)
	Close() error
}

// ClientConfig carries the connection settings for one endpoint.
type ClientConfig struct {
	Endpoint   string
	Policy     string
	Mode       string
	Username   string
	Password   string
	ClientCert string
	ClientKey  string
	AppName    string
	Timeout    time.Duration
}

// Client is the gopcua-backed Browser.
type Client struct {
	c        *opcua.Client
	endpoint string
	log      *zap.SugaredLogger
}

func printEndpoints(log *zap.SugaredLogger, endpoints []*ua.EndpointDescription) {
	for _, endp := range endpoints {
		log.Infof("[OPCUA] Endpoint: %v", endp.EndpointURL)
		log.Infof("[OPCUA] Security Mode: %v", endp.SecurityMode.String())
		log.Infof("[OPCUA] Security Policy: %v", endp.SecurityPolicyURI)
	}
}

// Dial discovers the server's endpoints, picks the one matching the
// configured security policy and mode, and opens a session. All failures
// are connectivity errors.
func Dial(ctx context.Context, cfg ClientConfig, log *zap.SugaredLogger) (*Client, error) {
	log.Infof("[OPCUA] Get all endpoints from %v", cfg.Endpoint)
	endpoints, err := opcua.GetEndpoints(cfg.Endpoint)
	if err != nil {
		return nil, &ConnectivityError{Endpoint: cfg.Endpoint, Err: err}
	}

	ep := opcua.SelectEndpoint(endpoints, cfg.Policy, ua.MessageSecurityModeFromString(cfg.Mode))
	endpoint := cfg.Endpoint
	if ep == nil {
		log.Warnf("[OPCUA] Failed to find a suitable endpoint. Will try the configured URL with no security settings. The following configurations are available:")
		printEndpoints(log, endpoints)
	} else {
		endpoint = ep.EndpointURL
		log.Infof("[OPCUA] Policy URI: %v with security mode %v", ep.SecurityPolicyURI, ep.SecurityMode)
	}

	opts := []opcua.Option{
		opcua.SecurityPolicy(cfg.Policy),
		opcua.SecurityModeString(cfg.Mode),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, opcua.RequestTimeout(cfg.Timeout))
	}
	if cfg.ClientCert != "" {
		log.Infof("[OPCUA] Set ApplicationDescription (SAN DNS and SAN URL) to %v", cfg.AppName)
		opts = append(opts, opcua.ApplicationURI(cfg.AppName))
		opts = append(opts, opcua.CertificateFile(cfg.ClientCert), opcua.PrivateKeyFile(cfg.ClientKey))
	}
	if ep != nil {
		if cfg.Username != "" {
			log.Infof("[OPCUA] Set authentication information for user %v", cfg.Username)
			opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password), opcua.SecurityFromEndpoint(ep, ua.UserTokenTypeUserName))
		} else {
			log.Infof("[OPCUA] Set to anonymous login")
			opts = append(opts, opcua.AuthAnonymous(), opcua.SecurityFromEndpoint(ep, ua.UserTokenTypeAnonymous))
		}
	}

	c := opcua.NewClient(endpoint, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, &ConnectivityError{Endpoint: cfg.Endpoint, Err: err}
	}
	log.Infof("[OPCUA] Connection established")
	return &Client{c: c, endpoint: cfg.Endpoint, log: log}, nil
}

// Children returns the node ids referenced below id, in server order.
func (c *Client) Children(id *ua.NodeID) ([]*ua.NodeID, error) {
	children, err := c.c.Node(id).Children(0, ua.NodeClassAll)
	if err != nil {
		return nil, classifyNodeErr(c.endpoint, id.String(), err)
	}
	ids := make([]*ua.NodeID, 0, len(children))
	for _, child := range children {
		ids = append(ids, child.ID)
	}
	return ids, nil
}

// Attributes reads node class, data type and access level in one request.
// Attributes the server withholds stay at their zero value; only transport
// level failures surface as errors.
func (c *Client) Attributes(id *ua.NodeID) (NodeAttrs, error) {
	node := c.c.Node(id)
	attrs, err := node.Attributes(ua.AttributeIDNodeClass, ua.AttributeIDDataType, ua.AttributeIDAccessLevel)
	if err != nil {
		return NodeAttrs{}, classifyNodeErr(c.endpoint, id.String(), err)
	}

	var na NodeAttrs
	if len(attrs) > 0 && attrs[0].Status == ua.StatusOK && attrs[0].Value != nil {
		na.NodeClass = ua.NodeClass(attrs[0].Value.Int())
	}
	if len(attrs) > 1 && attrs[1].Status == ua.StatusOK && attrs[1].Value != nil {
		if dt := attrs[1].Value.NodeID(); dt != nil {
			na.DataType = uint32(dt.IntID())
		}
	}
	if len(attrs) > 2 && attrs[2].Status == ua.StatusOK && attrs[2].Value != nil {
		na.AccessLevel = uint8(attrs[2].Value.Int())
	}

	qn, err := node.BrowseName()
	if err != nil {
		c.log.Debugf("No browse name for %v: %v", id.String(), err)
	} else {
		na.BrowseName = qn.Name
	}
	return na, nil
}

// Close shuts the session down. A panic from an already terminated secure
// channel is absorbed so a reconnect stays possible.
func (c *Client) Close() error {
	defer func() {
		if r := recover(); r != nil {
			c.log.Infof("The connection was already closed / terminated")
		}
	}()
	c.c.CloseSession()
	return c.c.Close()
}
