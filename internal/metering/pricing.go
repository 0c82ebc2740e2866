package metering

import (
	"unicode/utf8"

	"backend/internal/config"

	"github.com/pkoukk/tiktoken-go"
)

// modelPrice 每 1K token 的美元价格
type modelPrice struct {
	Input  float64
	Output float64
}

// 内置模型价目（每 1K token 美元），未收录的模型用配置的默认价
var defaultModelPrices = map[string]modelPrice{
	"gpt-4":           {Input: 0.03, Output: 0.06},
	"gpt-4-turbo":     {Input: 0.01, Output: 0.03},
	"gpt-4o":          {Input: 0.005, Output: 0.015},
	"gpt-4o-mini":     {Input: 0.00015, Output: 0.0006},
	"gpt-3.5-turbo":   {Input: 0.0005, Output: 0.0015},
	"claude-3-opus":   {Input: 0.015, Output: 0.075},
	"claude-3-sonnet": {Input: 0.003, Output: 0.015},
	"claude-3-haiku":  {Input: 0.00025, Output: 0.00125},
	"gemini-1.5-pro":  {Input: 0.0035, Output: 0.0105},
	"deepseek-chat":   {Input: 0.00014, Output: 0.00028},
}

// 高级工具价目（每次调用积分），不在表中的工具按标准价计
var premiumToolPrices = map[string]float64{
	"web_search":       3.0,
	"code_interpreter": 5.0,
	"image_generation": 10.0,
	"pdf_extraction":   2.0,
}

// Pricer 成本计算器
// 美元价通过固定汇率折算为积分
type Pricer struct {
	cfg    *config.MeteringConfig
	models map[string]modelPrice
	tools  map[string]float64
}

// NewPricer 创建成本计算器
func NewPricer(cfg *config.MeteringConfig) *Pricer {
	return &Pricer{
		cfg:    cfg,
		models: defaultModelPrices,
		tools:  premiumToolPrices,
	}
}

// creditsPerUSD 美元到积分的换算率
func (p *Pricer) creditsPerUSD() float64 {
	if p.cfg.CreditsPerUSD > 0 {
		return p.cfg.CreditsPerUSD
	}
	return 100
}

// TokenCost 计算 token 成本（积分）
// cost_usd = input/1000*input_price + output/1000*output_price
func (p *Pricer) TokenCost(modelName string, inputTokens, outputTokens int) float64 {
	price, ok := p.models[modelName]
	if !ok {
		price = modelPrice{Input: p.cfg.DefaultInputPrice, Output: p.cfg.DefaultOutputPrice}
	}
	usd := float64(inputTokens)/1000*price.Input + float64(outputTokens)/1000*price.Output
	return usd * p.creditsPerUSD()
}

// ToolCost 计算工具调用成本（积分）
// 返回成本与是否高级工具
func (p *Pricer) ToolCost(toolName string, count int) (float64, bool) {
	if price, ok := p.tools[toolName]; ok {
		return float64(count) * price, true
	}
	return float64(count) * p.cfg.ToolCreditPrice, false
}

// KBCost 计算知识库查询成本（积分）
func (p *Pricer) KBCost(count int) float64 {
	return float64(count) * p.cfg.KBCreditPrice
}

// EstimateTokens 估算文本的 token 数，用于成本预览
// tiktoken 不认识的模型退化为 rune/4 的粗略估算
func (p *Pricer) EstimateTokens(modelName, text string) int {
	if text == "" {
		return 0
	}
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		return utf8.RuneCountInString(text)/4 + 1
	}
	return len(enc.Encode(text, nil, nil))
}
