package models

// 命令名
const (
	CmdAddCamera            = "cmAddCamera"
	CmdDeleteCamera         = "cmDeleteCamera"
	CmdRestartCamera        = "cmRestartCamera"
	CmdRestartModule        = "cmRestartModule"
	CmdScanForCameras       = "cmScanForCameras"
	CmdTestOnvif            = "cmTestOnvif"
	CmdStartImageProcessing = "cmStartImageProcessing"
	CmdStopImageProcessing  = "cmStopImageProcessing"
	CmdCaptureImage         = "cmCaptureImage"
)

// 命令参数
const (
	ParamAddDeviceID          = "AddCameraRequestParams_DeviceId"
	ParamAddName              = "AddCameraRequestParams_Name"
	ParamAddIPAddress         = "AddCameraRequestParams_IpAddress"
	ParamAddOnvifUsername     = "AddCameraRequestParams_OnvifUsername"
	ParamAddOnvifPassword     = "AddCameraRequestParams_OnvifPassword"
	ParamAddMediaProfileToken = "AddCameraRequestParams_OnvifMediaProfileToken"
	ParamDeleteDeviceID       = "DeleteCameraRequestParams_DeviceId"
	ParamRestartDeviceID      = "RestartCameraRequestParams_DeviceId"
	ParamRestartCameraTimeout = "RestartCameraRequestParams_Timeout"
	ParamScanTimeout          = "ScanForCamerasRequestParams_ScanTimeout"
	ParamTestOnvifCommand     = "TestOnvifRequestParams_Command"
	ParamTestOnvifPayload     = "TestOnvifRequestParams_Payload"
	ParamRestartModuleTimeout = "RestartModuleRequestParams_Timeout"
)

// 遥测、状态与事件
const (
	TlSystemHeartbeat  = "tlSystemHeartbeat"
	TlFreeMemory       = "tlFreeMemory"
	TlConnectedDevices = "tlConnectedDevices"
	TlInferenceCount   = "tlInferenceCount"
	StClientState      = "stIoTCentralClientState"
	StModuleState      = "stModuleState"
	StDeviceState      = "stDeviceState"
	EvModuleStarted    = "evModuleStarted"
	EvModuleStopped    = "evModuleStopped"
	EvModuleRestart    = "evModuleRestart"
	EvCreateCamera     = "evCreateCamera"
	EvDeleteCamera     = "evDeleteCamera"
	EvDiscoveryStarted = "evCameraDiscoveryStarted"
	EvDiscoveryDone    = "evCameraDiscoveryCompleted"
	EvUploadDiscovery  = "evUploadDiscoveryResults"
	EvUploadImage      = "evUploadImage"
	EvDeviceStarted    = "evDeviceStarted"
	EvDeviceStopped    = "evDeviceStopped"
	EvRestartCamera    = "evRestartCamera"
	EvStreamStarted    = "evVideoStreamProcessingStarted"
	EvStreamStopped    = "evVideoStreamProcessingStopped"
	EvStreamError      = "evVideoStreamProcessingError"
	StateConnected     = "connected"
	StateDisconnected  = "disconnected"
	StateActive        = "active"
	StateInactive      = "inactive"
)

// 属性
const (
	RpDeviceName          = "rpDeviceName"
	RpIPAddress           = "rpIpAddress"
	RpOnvifUsername       = "rpOnvifUsername"
	RpOnvifPassword       = "rpOnvifPassword"
	RpMediaProfileToken   = "rpOnvifMediaProfileToken"
	RpManufacturer        = "rpManufacturer"
	RpModel               = "rpModel"
	RpFirmwareVersion     = "rpFirmwareVersion"
	RpHardwareID          = "rpHardwareId"
	RpSerialNumber        = "rpSerialNumber"
	RpInferenceImageURL   = "rpInferenceImageUrl"
	WpDebugTelemetry      = "wpDebugTelemetry"
	WpDetectionClasses    = "wpDetectionClasses"
	WpConfidenceThreshold = "wpConfidenceThreshold"
	WpInferenceInterval   = "wpInferenceInterval"
	WpInferenceTimeout    = "wpInferenceTimeout"
	VersionKey            = "$version"
)

// 外设 RPC 方法
const (
	RPCGetDeviceInformation = "GetDeviceInformation"
	RPCGetSnapshot          = "GetSnapshot"
	RPCReboot               = "Reboot"
	RPCGetRTSPStreamURI     = "GetRTSPStreamURI"
	RPCDiscover             = "Discover"
)
