// Package identity resolves the authenticated principal of a request.
//
// Claims come from the API Gateway authorizer when the service runs behind Lambda. For
// local runs the X-User-* headers can stand in for the authorizer, but only when
// explicitly enabled.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/awslabs/aws-lambda-go-api-proxy/core"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/apperr"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
	"github.com/imrishuroy/go-checkout-orderflow/internal/logging"
)

// Claim names.
const (
	ClaimUserID = "user_id"
	ClaimSub    = "sub"
	ClaimEmail  = "email"
	ClaimRole   = "role"
	ClaimGroups = "cognito:groups"
)

const adminRole = "admin"

// headerClaims maps local-run headers onto claims.
var headerClaims = map[string]string{
	"X-User-Id":    ClaimUserID,
	"X-User-Sub":   ClaimSub,
	"X-User-Email": ClaimEmail,
	"X-User-Role":  ClaimRole,
}

// Claims is a flattened view of the authorizer claims.
type Claims map[string]string

// Principal is the resolved caller.
type Principal struct {
	UserID string
	Email  string
	Admin  bool
}

// Strategy maps claims to a user id. An empty id means the strategy does not apply.
type Strategy interface {
	Resolve(ctx context.Context, claims Claims) (string, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, claims Claims) (string, error)

// Resolve implements Strategy.
func (f StrategyFunc) Resolve(ctx context.Context, claims Claims) (string, error) {
	return f(ctx, claims)
}

// ClaimStrategy uses the named claim verbatim.
func ClaimStrategy(name string) Strategy {
	return StrategyFunc(func(_ context.Context, claims Claims) (string, error) {
		return strings.TrimSpace(claims[name]), nil
	})
}

// EmailDirectory looks up user ids by e-mail address.
type EmailDirectory struct {
	client    aws.DynamoDBAPI
	tableName string
}

type emailRecord struct {
	Email  string `dynamodbav:"email"` // PK, lower-cased
	UserID string `dynamodbav:"user_id"`
}

// NewEmailDirectory creates an EmailDirectory over tableName.
func NewEmailDirectory(client aws.DynamoDBAPI, tableName string) *EmailDirectory {
	return &EmailDirectory{client: client, tableName: tableName}
}

// Resolve implements Strategy.
func (d *EmailDirectory) Resolve(ctx context.Context, claims Claims) (string, error) {
	email := strings.ToLower(strings.TrimSpace(claims[ClaimEmail]))
	if email == "" || d == nil || d.client == nil {
		return "", nil
	}
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &d.tableName,
		Key:       map[string]types.AttributeValue{"email": &types.AttributeValueMemberS{Value: email}},
	})
	if err != nil {
		return "", fmt.Errorf("lookup user by email: %w", err)
	}
	if len(out.Item) == 0 {
		return "", nil
	}
	var rec emailRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return "", fmt.Errorf("unmarshal user email: %w", err)
	}
	return rec.UserID, nil
}

// Put registers email for userID.
func (d *EmailDirectory) Put(ctx context.Context, email, userID string) error {
	item, err := attributevalue.MarshalMap(emailRecord{Email: strings.ToLower(strings.TrimSpace(email)), UserID: userID})
	if err != nil {
		return fmt.Errorf("marshal user email: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: sdkaws.String(d.tableName), Item: item})
	return err
}

// DefaultChain is user_id, then sub, then an e-mail lookup.
func DefaultChain(directory *EmailDirectory) []Strategy {
	return []Strategy{ClaimStrategy(ClaimUserID), ClaimStrategy(ClaimSub), directory}
}

// Resolver runs the strategy chain.
type Resolver struct {
	strategies []Strategy
}

// NewResolver creates a Resolver trying strategies in order.
func NewResolver(strategies ...Strategy) *Resolver {
	return &Resolver{strategies: strategies}
}

// Resolve returns the principal for claims, or an unauthenticated error when no
// strategy yields a user id.
func (r *Resolver) Resolve(ctx context.Context, claims Claims) (Principal, error) {
	for _, s := range r.strategies {
		if s == nil {
			continue
		}
		id, err := s.Resolve(ctx, claims)
		if err != nil {
			return Principal{}, err
		}
		if id != "" {
			return Principal{UserID: id, Email: claims[ClaimEmail], Admin: IsAdmin(claims)}, nil
		}
	}
	return Principal{}, apperr.New("identity.resolve", apperr.KindUnauthenticated, apperr.CodeUnauthenticated, "authentication required")
}

// IsAdmin reports whether claims carry the admin role or group.
func IsAdmin(claims Claims) bool {
	if strings.EqualFold(strings.TrimSpace(claims[ClaimRole]), adminRole) {
		return true
	}
	groups := strings.NewReplacer("[", " ", "]", " ", ",", " ", "\"", " ").Replace(claims[ClaimGroups])
	for _, g := range strings.Fields(groups) {
		if strings.EqualFold(g, adminRole) {
			return true
		}
	}
	return false
}

// ClaimsFromRequest collects claims from the API Gateway authorizer and, when
// allowHeaders is set, from X-User-* headers. Authorizer claims win.
func ClaimsFromRequest(req *http.Request, allowHeaders bool) Claims {
	claims := Claims{}
	if gw, ok := core.GetAPIGatewayContextFromContext(req.Context()); ok {
		flatten(claims, gw.Authorizer)
	}
	if allowHeaders {
		for header, claim := range headerClaims {
			if v := strings.TrimSpace(req.Header.Get(header)); v != "" && claims[claim] == "" {
				claims[claim] = v
			}
		}
	}
	return claims
}

// flatten copies authorizer values into claims. Cognito user pool authorizers nest
// them under "claims"; Lambda authorizers put them at the top level.
func flatten(claims Claims, values map[string]interface{}) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := values[k].(type) {
		case nil:
		case string:
			claims[k] = v
		case map[string]interface{}:
			if k == "claims" {
				flatten(claims, v)
			}
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			claims[k] = strings.Join(parts, ",")
		default:
			claims[k] = fmt.Sprint(v)
		}
	}
}

const principalKey = "identity.principal"

// Middleware resolves the principal and stores it on the gin context. Requests
// without one are rejected with 401.
func Middleware(resolver *Resolver, allowHeaders bool, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		p, err := resolver.Resolve(ctx, ClaimsFromRequest(c.Request, allowHeaders))
		if err != nil {
			if apperr.KindOf(err) == apperr.KindUnauthenticated {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": string(apperr.CodeUnauthenticated), "message": apperr.PublicMessage(err)})
				return
			}
			logging.FromContext(ctx, logger).Error("identity resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "internal error"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// ErrNoPrincipal is returned by FromGin outside the middleware.
var ErrNoPrincipal = errors.New("identity: no principal on request")

// FromGin returns the principal stored by Middleware.
func FromGin(c *gin.Context) (Principal, error) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	p, ok := v.(Principal)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}
