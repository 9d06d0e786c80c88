// Package primality 基于预计算素数表的确定性试除判定。
package primality

import (
	"math/bits"

	"primescan/internal/sieve"
	"primescan/pkg/contract"
)

// IsPrime 判定 n 是否为素数。
//
// 规则：n < 2 为非素数；2、3 为素数；大于 2 的偶数为合数；
// 其余按升序以素数表中 p² ≤ n 的 p 试除，遇到因子即为合数，p² > n 即为素数。
// 素数表耗尽而 limit² < n 说明筛上限计算有误，返回 DomainError；
// p² 溢出同样返回 DomainError，不做回绕。
func IsPrime(n uint64, s *sieve.Sieve) (bool, error) {
	switch {
	case n < 2:
		return false, nil
	case n < 4:
		return true, nil
	case n&1 == 0:
		return false, nil
	}
	ps := s.Primes()
	// ps[0] == 2，偶数已排除
	for i := 1; i < len(ps); i++ {
		p := uint64(ps[i])
		hi, sq := bits.Mul64(p, p)
		if hi != 0 {
			return false, contract.DomainErrorf("candidate %d: square of base prime %d overflows uint64", n, p)
		}
		if sq > n {
			return true, nil
		}
		if n%p == 0 {
			return false, nil
		}
	}
	if !covers(s.Limit(), n) {
		return false, contract.DomainErrorf("candidate %d: sieve limit %d below its square root", n, s.Limit())
	}
	return true, nil
}

// covers 判断 limit² ≥ n，即 ≤ √n 的素数已全部在表中。
func covers(limit, n uint64) bool {
	hi, lo := bits.Mul64(limit, limit)
	return hi != 0 || lo >= n
}

// Classify 返回 n 的分类记录。
func Classify(n uint64, s *sieve.Sieve) (contract.Record, error) {
	p, err := IsPrime(n, s)
	if err != nil {
		return contract.Record{}, err
	}
	return contract.Record{Value: n, IsPrime: p}, nil
}
