package cloud

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"go.uber.org/zap"
)

type Functions struct {
	api LambdaAPI
	log *zap.Logger
}

func NewFunctions(api LambdaAPI, log *zap.Logger) *Functions {
	if log == nil {
		log = zap.NewNop()
	}
	return &Functions{api: api, log: log}
}

type FunctionInfo struct {
	Name         string
	Runtime      string
	MemoryMB     int32
	TimeoutSec   int32
	CodeSize     int64
	LastModified string
	State        string
}

func (f *Functions) Exists(ctx context.Context, name string) (bool, error) {
	_, err := f.api.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("get function %s: %w", name, err)
}

func (f *Functions) Describe(ctx context.Context, name string) (FunctionInfo, error) {
	out, err := f.api.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)})
	if err != nil {
		return FunctionInfo{}, fmt.Errorf("get function %s: %w", name, err)
	}
	return functionInfo(name, out.Configuration), nil
}

// UpdateCode replaces the function's code with the zip archive.
func (f *Functions) UpdateCode(ctx context.Context, name string, zip []byte) (FunctionInfo, error) {
	out, err := f.api.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(name),
		ZipFile:      zip,
	})
	if err != nil {
		return FunctionInfo{}, fmt.Errorf("update function code %s: %w", name, err)
	}
	info := FunctionInfo{
		Name:         name,
		Runtime:      string(out.Runtime),
		MemoryMB:     aws.ToInt32(out.MemorySize),
		TimeoutSec:   aws.ToInt32(out.Timeout),
		CodeSize:     out.CodeSize,
		LastModified: aws.ToString(out.LastModified),
		State:        string(out.State),
	}
	f.log.Info("function code updated", zap.String("function", name), zap.Int64("code_size", info.CodeSize))
	return info, nil
}

func functionInfo(name string, c *types.FunctionConfiguration) FunctionInfo {
	if c == nil {
		return FunctionInfo{Name: name}
	}
	return FunctionInfo{
		Name:         name,
		Runtime:      string(c.Runtime),
		MemoryMB:     aws.ToInt32(c.MemorySize),
		TimeoutSec:   aws.ToInt32(c.Timeout),
		CodeSize:     c.CodeSize,
		LastModified: aws.ToString(c.LastModified),
		State:        string(c.State),
	}
}

type SmokeResult struct {
	OK            bool
	StatusCode    int
	FunctionError string
	Payload       []byte
}

// Smoke invokes the function synchronously with payload. The invocation
// counts as healthy when the handler answered with statusCode 200.
func (f *Functions) Smoke(ctx context.Context, name string, payload any) (SmokeResult, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return SmokeResult{}, err
	}
	out, err := f.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(name),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        b,
	})
	if err != nil {
		return SmokeResult{}, fmt.Errorf("invoke %s: %w", name, err)
	}
	res := SmokeResult{FunctionError: aws.ToString(out.FunctionError), Payload: out.Payload}
	var resp struct {
		StatusCode int `json:"statusCode"`
	}
	if err := json.Unmarshal(out.Payload, &resp); err == nil {
		res.StatusCode = resp.StatusCode
	}
	res.OK = res.FunctionError == "" && res.StatusCode == 200
	return res, nil
}
