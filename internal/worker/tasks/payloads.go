package tasks

// Task Types
const (
	TypeBillingSweep  = "billing:sweep"
	TypeBillingUnpaid = "billing:unpaid"
)

// BillingSweepPayload 到期账期清算任务载荷
// 清算全量扫描，无需参数；保留结构便于以后加过滤条件
type BillingSweepPayload struct{}

// BillingUnpaidPayload 未支付发票处置任务载荷
type BillingUnpaidPayload struct{}
