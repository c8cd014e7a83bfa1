package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/milestone-escrow/internal/controller"
	"github.com/ChuLiYu/milestone-escrow/internal/registry"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

// Client is a typed client for escrow.v1.EscrowService. Operation errors are
// converted back to the escrow sentinel errors, so errors.Is works across the
// wire.
type Client struct {
	conn   *grpc.ClientConn
	caller types.Address
}

// Dial connects to target. Without options the connection is plaintext.
func Dial(target string, caller types.Address, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, caller: caller}, nil
}

// As returns a client sharing the connection that acts as caller.
func (c *Client) As(caller types.Address) *Client {
	return &Client{conn: c.conn, caller: caller}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if c.caller != (types.Address{}) {
		ctx = metadata.AppendToOutgoingContext(ctx, CallerMetadataKey, c.caller.Hex())
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// invokeReceipt 呼叫寫入類 RPC；失敗時仍盡量回傳 detail 中的 instance_id
func (c *Client) invokeReceipt(ctx context.Context, method string, fields map[string]interface{}) (controller.Receipt, error) {
	out, err := c.invoke(ctx, method, fields)
	if err != nil {
		var receipt controller.Receipt
		if st, ok := status.FromError(err); ok {
			receipt = receiptFrom(errorDetail(st))
		}
		return receipt, decodeError(err)
	}
	return receiptFrom(out.AsMap()), nil
}

func receiptFrom(fields map[string]interface{}) controller.Receipt {
	var r controller.Receipt
	if s, ok := fields["op_id"].(string); ok {
		r.OpID, _ = uuid.Parse(s)
	}
	if n, ok := fields["seq"].(float64); ok {
		r.Seq = uint64(n)
	}
	if s, ok := fields["instance_id"].(string); ok {
		r.InstanceID, _ = types.ParseInstanceID(s)
	}
	return r
}

// CreateInstance creates an unfunded instance with the client's caller as payer.
func (c *Client) CreateInstance(ctx context.Context, payee types.Address, milestoneCount int, amountPerMilestone *uint256.Int) (controller.Receipt, error) {
	return c.invokeReceipt(ctx, MethodCreateInstance, map[string]interface{}{
		"payee":                payee.Hex(),
		"milestone_count":      milestoneCount,
		"amount_per_milestone": amountPerMilestone.Dec(),
	})
}

// CreateAndFund creates and funds an instance in one call.
func (c *Client) CreateAndFund(ctx context.Context, payee types.Address, milestoneCount int, amountPerMilestone, supplied *uint256.Int) (controller.Receipt, error) {
	return c.invokeReceipt(ctx, MethodCreateAndFund, map[string]interface{}{
		"payee":                payee.Hex(),
		"milestone_count":      milestoneCount,
		"amount_per_milestone": amountPerMilestone.Dec(),
		"supplied":             supplied.Dec(),
	})
}

// Fund funds an existing instance.
func (c *Client) Fund(ctx context.Context, id types.InstanceID, amount *uint256.Int) (controller.Receipt, error) {
	return c.invokeReceipt(ctx, MethodFund, map[string]interface{}{
		"instance_id": id.Hex(),
		"amount":      amount.Dec(),
	})
}

// SubmitMilestone submits milestone index.
func (c *Client) SubmitMilestone(ctx context.Context, id types.InstanceID, index int) (controller.Receipt, error) {
	return c.invokeReceipt(ctx, MethodSubmitMilestone, indexRequest(id, index))
}

// ApproveMilestone approves and pays milestone index.
func (c *Client) ApproveMilestone(ctx context.Context, id types.InstanceID, index int) (controller.Receipt, error) {
	return c.invokeReceipt(ctx, MethodApproveMilestone, indexRequest(id, index))
}

// ClaimAfterTimeout claims milestone index after the approval timeout.
func (c *Client) ClaimAfterTimeout(ctx context.Context, id types.InstanceID, index int) (controller.Receipt, error) {
	return c.invokeReceipt(ctx, MethodClaimAfterTimeout, indexRequest(id, index))
}

// Cancel cancels the instance.
func (c *Client) Cancel(ctx context.Context, id types.InstanceID) (controller.Receipt, error) {
	return c.invokeReceipt(ctx, MethodCancel, map[string]interface{}{"instance_id": id.Hex()})
}

// Credit credits account on the service ledger.
func (c *Client) Credit(ctx context.Context, account types.Address, amount *uint256.Int) (controller.Receipt, error) {
	return c.invokeReceipt(ctx, MethodCredit, map[string]interface{}{
		"account": account.Hex(),
		"amount":  amount.Dec(),
	})
}

// Instance fetches one instance record.
func (c *Client) Instance(ctx context.Context, id types.InstanceID) (types.InstanceRecord, error) {
	var rec types.InstanceRecord
	out, err := c.invoke(ctx, MethodGetInstance, map[string]interface{}{"instance_id": id.Hex()})
	if err != nil {
		return rec, decodeError(err)
	}
	if err := fromStruct(out, &rec); err != nil {
		return rec, fmt.Errorf("decode instance: %w", err)
	}
	return rec, nil
}

// Instances lists instances, filtered by participant unless it is the zero address.
func (c *Client) Instances(ctx context.Context, participant types.Address) ([]types.InstanceRecord, error) {
	fields := map[string]interface{}{}
	if participant != (types.Address{}) {
		fields["participant"] = participant.Hex()
	}
	out, err := c.invoke(ctx, MethodListInstances, fields)
	if err != nil {
		return nil, decodeError(err)
	}
	var resp struct {
		Instances []types.InstanceRecord `json:"instances"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode instances: %w", err)
	}
	return resp.Instances, nil
}

// Balance returns the ledger balance of account.
func (c *Client) Balance(ctx context.Context, account types.Address) (*uint256.Int, error) {
	out, err := c.invoke(ctx, MethodGetBalance, map[string]interface{}{"account": account.Hex()})
	if err != nil {
		return nil, decodeError(err)
	}
	return uint256.FromDecimal(out.GetFields()["balance"].GetStringValue())
}

// Claimable lists milestones the payee may claim now.
func (c *Client) Claimable(ctx context.Context) ([]registry.Claim, error) {
	out, err := c.invoke(ctx, MethodListClaimable, nil)
	if err != nil {
		return nil, decodeError(err)
	}
	var claims []registry.Claim
	for _, v := range out.GetFields()["claims"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		id, err := types.ParseInstanceID(f["instance_id"].GetStringValue())
		if err != nil {
			return nil, err
		}
		payee, err := types.ParseAddress(f["payee"].GetStringValue())
		if err != nil {
			return nil, err
		}
		claims = append(claims, registry.Claim{ID: id, Payee: payee, Index: int(f["index"].GetNumberValue())})
	}
	return claims, nil
}

// Status returns the service status map.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	out, err := c.invoke(ctx, MethodGetStatus, nil)
	if err != nil {
		return nil, decodeError(err)
	}
	return out.AsMap(), nil
}

func indexRequest(id types.InstanceID, index int) map[string]interface{} {
	return map[string]interface{}{
		"instance_id": id.Hex(),
		"index":       index,
	}
}
