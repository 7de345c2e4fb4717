package vl53l5cx

// Register and page map. The chip exposes several 32 KiB pages selected by
// writing the page number to regPageSelect.
const (
	regPageSelect uint16 = 0x7FFF

	pageBoot     byte = 0x00
	pageMCU      byte = 0x01
	pageUI       byte = 0x02
	pageFirmware byte = 0x09

	regDeviceID   uint16 = 0x0000
	regRevisionID uint16 = 0x0001
	regI2CAddress uint16 = 0x0004
	regGO2Status0 uint16 = 0x0006
	regGO2Status1 uint16 = 0x0007
	regXshutCtrl  uint16 = 0x0009
	regMCUCtrl    uint16 = 0x000C
	regMCUStop0   uint16 = 0x0014
	regMCUStop1   uint16 = 0x0015
	regBootStatus uint16 = 0x0021

	regAutoStop uint16 = 0x2FFC
)

const (
	expectedDeviceID   byte = 0xF0
	expectedRevisionID byte = 0x02
)

// UI mailbox used for commands and DCI exchanges.
const (
	uiCmdStatus uint16 = 0x2C00
	uiCmdStart  uint16 = 0x2C04
	uiCmdEnd    uint16 = 0x2FFF

	offsetDataAddr  uint16 = 0x2E18
	xtalkDataAddr   uint16 = 0x2CF8
	defaultCfgAddr  uint16 = 0x2C34
	nvmCmdAddr      uint16 = 0x2FD8
	uiRangeDataAddr uint16 = 0x5440
)

// DCI (device configuration interface) indexes.
const (
	dciZoneConfig    uint16 = 0x5450
	dciFreqHz        uint16 = 0x5458
	dciIntTime       uint16 = 0x545C
	dciFWNbTarget    uint16 = 0x5478
	dciRangingMode   uint16 = 0xAD30
	dciDSSConfig     uint16 = 0xAD38
	dciTargetOrder   uint16 = 0xAE64
	dciSharpener     uint16 = 0xAED8
	dciSingleRange   uint16 = 0xD964
	dciOutputConfig  uint16 = 0xD968
	dciOutputEnables uint16 = 0xD970
	dciOutputList    uint16 = 0xD980
	dciPipeControl   uint16 = 0xDB80
)

const (
	offsetBufferSize = 488
	xtalkBufferSize  = 776
	nvmDataSize      = 492
	configSize       = 972
	firmwareSize     = 0x15000
	firmwarePageSize = 0x8000
)

// Result block indexes.
const (
	idxMetadata       uint16 = 0x54B4
	idxCommonData     uint16 = 0x54C0
	idxAmbientRate    uint16 = 0x54D0
	idxSpadCount      uint16 = 0x55D0
	idxTargetDetected uint16 = 0xCF7C
	idxSignalRate     uint16 = 0xCFBC
	idxRangeSigma     uint16 = 0xD2BC
	idxDistance       uint16 = 0xD33C
	idxReflectance    uint16 = 0xD43C
	idxTargetStatus   uint16 = 0xD47C
	idxMotionDetect   uint16 = 0xCC50
)

const mcuErrorMarker byte = 0x7F
