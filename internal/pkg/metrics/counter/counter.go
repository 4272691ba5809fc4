package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/ServiceFox/app/models"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/cache"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/database"
	"gorm.io/gorm/clause"
)

const (
	claimAttemptsKey = "claims:counters:attempts"
	claimsGrantedKey = "claims:counters:granted"
	claimsChargedKey = "claims:counters:charged"

	dayFormat = "2006-01-02"
)

// AddClaimAttempt increments the pending claim-attempt counter in Redis.
func AddClaimAttempt() error {
	return incrToday(claimAttemptsKey)
}

// AddClaimGranted increments the pending granted-claim counter in Redis.
func AddClaimGranted() error {
	return incrToday(claimsGrantedKey)
}

// AddClaimCharged increments the pending charged-claim counter in Redis.
func AddClaimCharged() error {
	return incrToday(claimsChargedKey)
}

func incrToday(key string) error {
	ctx := context.Background()
	field := time.Now().UTC().Format(dayFormat)
	return cache.GetClient().HIncrBy(ctx, key, field, 1).Err()
}

// FlushAll flushes all pending claim counters to the database.
func FlushAll() error {
	if err := flushHashToColumn(claimAttemptsKey, "claim_attempts"); err != nil {
		return err
	}
	if err := flushHashToColumn(claimsGrantedKey, "claims_granted"); err != nil {
		return err
	}
	return flushHashToColumn(claimsChargedKey, "claims_charged")
}

// flushHashToColumn drains a Redis hash atomically and applies batched
// increments to the claim_stats table. Uses RENAME to a temporary key so
// in-flight increments are not lost during the drain.
func flushHashToColumn(redisKey, column string) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		return err
	}
	defer rdb.Del(ctx, tmpKey)

	entries, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}

	db := database.GetDB()
	for dayStr, countStr := range entries {
		day, err := time.Parse(dayFormat, dayStr)
		if err != nil {
			continue
		}
		count, err := strconv.ParseInt(countStr, 10, 64)
		if err != nil || count == 0 {
			continue
		}
		stat := &models.ClaimStat{Day: day}
		switch column {
		case "claim_attempts":
			stat.ClaimAttempts = count
		case "claims_granted":
			stat.ClaimsGranted = count
		case "claims_charged":
			stat.ClaimsCharged = count
		}
		err = db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				column: clause.Expr{SQL: fmt.Sprintf("%s + ?", column), Vars: []interface{}{count}},
			}),
		}).Create(stat).Error
		if err != nil {
			return err
		}
	}
	return nil
}
