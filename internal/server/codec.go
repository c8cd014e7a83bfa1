package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/milestone-escrow/internal/controller"
	"github.com/ChuLiYu/milestone-escrow/internal/escrow"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

// ============================================================================
// 請求解析
// ============================================================================

type request struct {
	fields map[string]*structpb.Value
}

func newRequest(in *structpb.Struct) request {
	return request{fields: in.GetFields()}
}

func (r request) str(key string) string {
	return strings.TrimSpace(r.fields[key].GetStringValue())
}

func (r request) has(key string) bool {
	v, ok := r.fields[key]
	if !ok {
		return false
	}
	_, isNull := v.GetKind().(*structpb.Value_NullValue)
	return !isNull
}

func (r request) address(key string) (types.Address, error) {
	addr, err := types.ParseAddress(r.str(key))
	if err != nil {
		return types.Address{}, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return addr, nil
}

func (r request) instanceID() (types.InstanceID, error) {
	id, err := types.ParseInstanceID(r.str("instance_id"))
	if err != nil {
		return types.InstanceID{}, status.Errorf(codes.InvalidArgument, "instance_id: %v", err)
	}
	return id, nil
}

// amount 解析十進位字串；接受整數 number 以方便手寫請求
func (r request) amount(key string) (*uint256.Int, error) {
	v, ok := r.fields[key]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		out, err := uint256.FromDecimal(strings.TrimSpace(kind.StringValue))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
		}
		return out, nil
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n < 0 || n != math.Trunc(n) || n > 1<<53 {
			return nil, status.Errorf(codes.InvalidArgument, "%s: %v is not an exact unsigned integer", key, n)
		}
		return uint256.NewInt(uint64(n)), nil
	default:
		return nil, status.Errorf(codes.InvalidArgument, "%s must be a decimal string", key)
	}
}

func (r request) integer(key string) (int, error) {
	v, ok := r.fields[key]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	n := v.GetNumberValue()
	if n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v is not an integer", key, n)
	}
	return int(n), nil
}

// callerFrom 從 metadata 取得呼叫者身份
func callerFrom(ctx context.Context) (types.Address, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return types.Address{}, status.Error(codes.Unauthenticated, "missing "+CallerMetadataKey+" metadata")
	}
	values := md.Get(CallerMetadataKey)
	if len(values) == 0 {
		return types.Address{}, status.Error(codes.Unauthenticated, "missing "+CallerMetadataKey+" metadata")
	}
	addr, err := types.ParseAddress(values[0])
	if err != nil {
		return types.Address{}, status.Errorf(codes.Unauthenticated, "%s: %v", CallerMetadataKey, err)
	}
	return addr, nil
}

// ============================================================================
// 回應編碼
// ============================================================================

func receiptStruct(r controller.Receipt) map[string]interface{} {
	out := map[string]interface{}{
		"seq": r.Seq,
	}
	if r.OpID != uuid.Nil {
		out["op_id"] = r.OpID.String()
	}
	if r.InstanceID != (types.InstanceID{}) {
		out["instance_id"] = r.InstanceID.Hex()
	}
	return out
}

// toStruct 以 JSON 形式轉換任意值（地址、時間、十進位金額皆為字串）
func toStruct(v interface{}) (*structpb.Struct, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

func toValue(v interface{}) (*structpb.Value, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, err
	}
	return structpb.NewValue(decoded)
}

// fromStruct 是 toStruct 的反向轉換
func fromStruct(s *structpb.Struct, out interface{}) error {
	body, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// ============================================================================
// 錯誤對應
// ============================================================================

// Code maps an operation error to its gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, controller.ErrNotStarted), errors.Is(err, controller.ErrStopped):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}

	switch escrow.Reason(err) {
	case "unauthorized":
		return codes.PermissionDenied
	case "invalid_milestone", "incorrect_amount", "invalid_instance":
		return codes.InvalidArgument
	case "unknown_instance":
		return codes.NotFound
	case "transfer_failed":
		return codes.Aborted
	case "not_funded", "already_funded", "not_submitted", "already_paid",
		"timeout_not_reached", "job_cancelled", "cannot_cancel":
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// statusError 轉為 gRPC status，detail 內含 reason 與額外欄位
func statusError(err error, extra map[string]interface{}) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	st := status.New(Code(err), err.Error())
	fields := map[string]interface{}{"reason": escrow.Reason(err)}
	for k, v := range extra {
		fields[k] = v
	}
	detail, derr := structpb.NewStruct(fields)
	if derr != nil {
		return st.Err()
	}
	if withDetail, werr := st.WithDetails(detail); werr == nil {
		st = withDetail
	}
	return st.Err()
}

// errorDetail 取出 statusError 附加的 detail
func errorDetail(st *status.Status) map[string]interface{} {
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			return s.AsMap()
		}
	}
	return nil
}

// decodeError 把 status 轉回 escrow 錯誤類別，保留伺服器訊息
func decodeError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	detail := errorDetail(st)
	if reason, _ := detail["reason"].(string); reason != "" {
		if sentinel := escrow.FromReason(reason); sentinel != nil {
			return fmt.Errorf("%w (%s)", sentinel, st.Message())
		}
	}
	return err
}
