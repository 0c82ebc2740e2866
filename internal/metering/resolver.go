package metering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoUsageRecords 用户没有任何用量台账
var ErrNoUsageRecords = errors.New("用户没有任何用量记录")

// 解析途径，用于日志与指标
const (
	resolveExact    = "exact"
	resolveMapped   = "mapped"
	resolvePrefix   = "prefix"
	resolveFallback = "fallback"
)

// SessionResolver 运行标识解析器
// 流程引擎传来的 run_id 格式不稳定：可能是 UUID、"Session <月> <日>, <时间>"
// 形式的会话标签，或只有标签前缀。解析器按固定顺序尝试候选集、前缀匹配、
// 最近记录兜底，并把非精确命中学习为映射（进程内 + 落库）供后续 O(1) 命中。
// 这是容忍歧义的启发式匹配，存在错配风险，上游应尽量传稳定标识
type SessionResolver struct {
	db *gorm.DB

	mu       sync.RWMutex
	mappings map[string]string // userID+"\x00"+alias -> session_id
}

// NewSessionResolver 创建解析器
func NewSessionResolver(db *gorm.DB) *SessionResolver {
	return &SessionResolver{
		db:       db,
		mappings: make(map[string]string),
	}
}

// Resolve 把任意运行标识解析到该用户唯一正确的用量台账
// 仅当用户没有任何台账时返回 ErrNoUsageRecords
func (r *SessionResolver) Resolve(ctx context.Context, userID, identifier string) (*UsageRecord, error) {
	candidates := r.buildCandidates(ctx, userID, identifier)
	patterns := buildLikePatterns(identifier)

	record, outcome, err := r.query(ctx, userID, identifier, candidates, patterns)
	if err != nil {
		return nil, err
	}

	if record == nil {
		// 兜底：该用户最近的一条台账
		record, err = r.mostRecent(ctx, userID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			metrics.SessionResolutionsTotal.WithLabelValues("miss").Inc()
			logger.WithContext(ctx).Warn("运行标识解析失败，用户无任何用量记录",
				zap.String("user_id", userID),
				zap.String("identifier", identifier),
			)
			return nil, ErrNoUsageRecords
		}
		outcome = resolveFallback
	}

	metrics.SessionResolutionsTotal.WithLabelValues(outcome).Inc()

	// 非精确命中：学习映射，后续相同标识直接命中
	if outcome != resolveExact && record.SessionID != "" {
		r.learn(ctx, userID, identifier, record.SessionID)
	}
	return record, nil
}

// buildCandidates 候选集：字面值、已学习映射、日前缀映射
func (r *SessionResolver) buildCandidates(ctx context.Context, userID, identifier string) []string {
	candidates := []string{identifier}
	seen := map[string]bool{identifier: true}

	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			candidates = append(candidates, v)
		}
	}

	add(r.lookupMapping(ctx, userID, identifier))
	if prefix := dayPrefix(identifier); prefix != "" && prefix != identifier {
		add(r.lookupMapping(ctx, userID, prefix))
	}
	return candidates
}

// query 等值候选与 LIKE 前缀合并查询，created_at 倒序取最近一条
func (r *SessionResolver) query(ctx context.Context, userID, identifier string, candidates, patterns []string) (*UsageRecord, string, error) {
	db := r.db.WithContext(ctx).Where("user_id = ?", userID)

	cond := r.db.Where("session_id IN ?", candidates)
	// uuid 列只接受合法 UUID，标签形态的候选不能进 id 匹配
	for _, c := range candidates {
		if isUUID(c) {
			cond = cond.Or("id = ?", c)
		}
	}
	for _, p := range patterns {
		cond = cond.Or("session_id LIKE ?", p)
	}

	var record UsageRecord
	err := db.Where(cond).Order("created_at DESC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("查询用量记录失败: %w", err)
	}

	outcome := resolvePrefix
	switch {
	case record.SessionID == identifier || record.ID == identifier:
		outcome = resolveExact
	case containsString(candidates, record.SessionID):
		outcome = resolveMapped
	}
	return &record, outcome, nil
}

func (r *SessionResolver) mostRecent(ctx context.Context, userID string) (*UsageRecord, error) {
	var record UsageRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询最近用量记录失败: %w", err)
	}
	return &record, nil
}

// lookupMapping 先查进程内缓存，未命中再查落库映射
func (r *SessionResolver) lookupMapping(ctx context.Context, userID, alias string) string {
	key := mappingKey(userID, alias)

	r.mu.RLock()
	sessionID, ok := r.mappings[key]
	r.mu.RUnlock()
	if ok {
		return sessionID
	}

	var m SessionMapping
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND alias = ?", userID, alias).
		First(&m).Error
	if err != nil {
		return ""
	}

	r.mu.Lock()
	r.mappings[key] = m.SessionID
	r.mu.Unlock()
	return m.SessionID
}

// learn 记录标识 → 会话标签映射及其日前缀映射
// 映射写入允许竞争，后写覆盖即可——所有候选映射指向同一条底层记录
func (r *SessionResolver) learn(ctx context.Context, userID, identifier, sessionID string) {
	aliases := []string{identifier}
	if prefix := dayPrefix(identifier); prefix != "" && prefix != identifier {
		aliases = append(aliases, prefix)
	}
	if prefix := dayPrefix(sessionID); prefix != "" && prefix != sessionID {
		aliases = append(aliases, prefix)
	}

	r.mu.Lock()
	for _, alias := range aliases {
		r.mappings[mappingKey(userID, alias)] = sessionID
	}
	r.mu.Unlock()

	for _, alias := range aliases {
		if alias == sessionID {
			continue
		}
		m := &SessionMapping{UserID: userID, Alias: alias, SessionID: sessionID}
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "alias"}},
			DoUpdates: clause.AssignmentColumns([]string{"session_id", "updated_at"}),
		}).Create(m).Error
		if err != nil {
			logger.WithContext(ctx).Warn("保存会话映射失败",
				zap.String("alias", alias),
				zap.Error(err),
			)
		}
	}
}

// dayPrefix 标签第一个逗号之前的文本，如 "Session Apr 08, 20:11:22" → "Session Apr 08"
func dayPrefix(identifier string) string {
	idx := strings.Index(identifier, ",")
	if idx <= 0 {
		return ""
	}
	return strings.TrimSpace(identifier[:idx])
}

// buildLikePatterns 为标签形态的标识派生前缀匹配模式
// 完整标签额外派生日前缀模式，覆盖同日不同时间的标签
func buildLikePatterns(identifier string) []string {
	if identifier == "" || isUUID(identifier) {
		return nil
	}
	patterns := []string{identifier + "%"}
	if prefix := dayPrefix(identifier); prefix != "" {
		patterns = append(patterns, prefix+"%")
	}
	return patterns
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func mappingKey(userID, alias string) string {
	return userID + "\x00" + alias
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
