package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/midatopay/qrsettle/types"
	"github.com/midatopay/qrsettle/wallet"
)

// MerchantRepository manages merchants and their custody wallets.
type MerchantRepository struct {
	db *gorm.DB
}

func NewMerchantRepository(db *gorm.DB) *MerchantRepository {
	return &MerchantRepository{db: db}
}

func (r *MerchantRepository) FindByID(ctx context.Context, id string) (*types.Merchant, error) {
	var row Merchant
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrMerchantNotFound, "no merchant "+id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, fmt.Sprintf("find merchant: %v", err))
	}
	return &types.Merchant{
		ID:            row.ID,
		Name:          row.Name,
		WalletAddress: row.WalletAddress,
	}, nil
}

// CreateWithWallet registers a merchant and provisions a fresh custody
// wallet. The private key is sealed with the passphrase before it
// touches the database.
func (r *MerchantRepository) CreateWithWallet(ctx context.Context, id, name, passphrase string) (*types.Merchant, error) {
	kp, err := wallet.Generate()
	if err != nil {
		return nil, err
	}
	sealed, err := wallet.EncryptKey(kp.PrivateKeyHex, passphrase)
	if err != nil {
		return nil, err
	}

	row := Merchant{
		ID:            id,
		Name:          name,
		WalletAddress: kp.Address,
		EncryptedKey:  sealed,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, types.NewError(types.ErrStore, fmt.Sprintf("create merchant: %v", err))
	}
	return &types.Merchant{ID: id, Name: name, WalletAddress: kp.Address}, nil
}

// SigningKey decrypts the merchant's custody key with the passphrase.
func (r *MerchantRepository) SigningKey(ctx context.Context, id, passphrase string) (string, error) {
	var row Merchant
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", types.NewError(types.ErrMerchantNotFound, "no merchant "+id)
	}
	if err != nil {
		return "", types.NewError(types.ErrStore, fmt.Sprintf("find merchant: %v", err))
	}
	if row.EncryptedKey == "" {
		return "", types.NewError(types.ErrNoWallet, "merchant "+id+" has no custody key")
	}
	return wallet.DecryptKey(row.EncryptedKey, passphrase)
}
