package models

import "errors"

// 错误分类，调用方用 errors.Is 判断
var (
	ErrProvisioning      = errors.New("provisioning failed")
	ErrConnection        = errors.New("connection failed")
	ErrCommandValidation = errors.New("invalid command parameters")
	ErrRPC               = errors.New("peripheral rpc failed")
	ErrDemuxParse        = errors.New("frame parse error")
	ErrProcess           = errors.New("decoder process error")
	ErrHealthDegraded    = errors.New("health degraded")
	ErrNotFound          = errors.New("not found")
)
